package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/kbchat/kb-web-ui/internal/models"
)

// KnowledgeBackend provides access to the knowledge retrieval endpoint that answers user queries
// grounded in the knowledge base. It implements the driver contract consumed by the handlers.
type KnowledgeBackend struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

type chatMessagesRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	User           string `json:"user"`
	ResponseMode   string `json:"response_mode"`
}

type chatMessagesResponse struct {
	Answer   string `json:"answer"`
	Metadata struct {
		RetrieverResources []RetrieverResource `json:"retriever_resources"`
	} `json:"metadata"`
}

// NewKnowledgeBackend creates a backend client for the given base URL and API key. A zero timeout
// leaves the HTTP client unbounded, which matches the streaming endpoint's open-ended responses.
func NewKnowledgeBackend(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) KnowledgeBackend {
	return KnowledgeBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("module", "knowledge")),
	}
}

// Ask sends a user query and returns the backend's answer as a lazy, single-use sequence of
// stream results. Each call opens exactly one network stream which lives for the lifetime of the
// returned sequence; there is no retry. A nil conversation id (empty string) starts a new
// conversation on the backend side.
//
// All failures fold into a terminal result rather than escaping the sequence: a handshake failure
// yields exactly one error result, a backend error frame yields an error result with the backend's
// message, and a transport that closes without a terminal frame degrades to a bare done result.
// The consumer only ever needs to inspect the results it receives.
func (k KnowledgeBackend) Ask(ctx context.Context, query, conversationID, userID string) iter.Seq[models.StreamResult] {
	return func(yield func(models.StreamResult) bool) {
		resp, err := k.post(ctx, query, conversationID, userID, "streaming")
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamResult{Err: err.Error(), Done: true})
			return
		}
		defer resp.Body.Close()

		decoder := NewFrameDecoder(k.logger)
		defer decoder.Close()

		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			for _, payload := range decoder.Push(buf[:n]) {
				event := ParseEvent(payload)
				switch event.Kind {
				case EventAnswerDelta:
					if !yield(models.StreamResult{Text: event.Answer}) {
						return
					}
				case EventStreamEnd:
					yield(models.StreamResult{
						Citations: ExtractCitations(event.Resources),
						Done:      true,
					})
					return
				case EventError:
					yield(models.StreamResult{Err: event.Message, Done: true})
					return
				case EventUnknown:
					continue
				}
			}

			if readErr != nil {
				if errors.Is(readErr, context.Canceled) {
					return
				}
				if !errors.Is(readErr, io.EOF) {
					yield(models.StreamResult{
						Err:  fmt.Sprintf("connection to knowledge backend lost: %v", readErr),
						Done: true,
					})
					return
				}
				// The transport closed without a terminal frame. Degrade gracefully
				// rather than hang the consumer.
				k.logger.Debug("Stream closed without terminal event")
				yield(models.StreamResult{Done: true})
				return
			}
		}
	}
}

// AskBlocking sends a query in the backend's non-streaming mode and returns the complete answer
// with its citations in one shot.
func (k KnowledgeBackend) AskBlocking(
	ctx context.Context,
	query, conversationID, userID string,
) (string, []models.Citation, error) {
	resp, err := k.post(ctx, query, conversationID, userID, "blocking")
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var res chatMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", nil, fmt.Errorf("error decoding response: %w", err)
	}

	return res.Answer, ExtractCitations(res.Metadata.RetrieverResources), nil
}

func (k KnowledgeBackend) post(
	ctx context.Context,
	query, conversationID, userID, responseMode string,
) (*http.Response, error) {
	reqBody := chatMessagesRequest{
		Query:          query,
		ConversationID: conversationID,
		User:           userID,
		ResponseMode:   responseMode,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.baseURL+"/v1/chat-messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+k.apiKey)

	resp, err := k.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("failed to reach knowledge backend: %v", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		k.logger.Error("Knowledge backend rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, fmt.Errorf("knowledge backend returned status %d", resp.StatusCode)
	}

	return resp, nil
}
