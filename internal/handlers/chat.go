package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kbchat/kb-web-ui/internal/models"
	"github.com/kbchat/kb-web-ui/internal/store"
	"github.com/tmaxmax/go-sse"
)

type conversation struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Status    string
	Citations []citation
	Error     string
	Timestamp time.Time
}

type citation struct {
	DocumentName string
	Content      string

	// HasScore distinguishes "no score reported" from a score of zero in the rendered view.
	HasScore bool
	Score    float64
}

const maxTitleRunes = 48

// HandleChats processes chat submissions through HTTP POST requests, managing both new
// conversation creation and follow-up messages. It accepts the user's query through form data,
// records a user message plus an assistant placeholder in the conversation store, and starts
// the asynchronous response stream. The assistant's answer reaches the browser through
// Server-Sent Events as the store updates.
//
// The handler expects a "message" form field and an optional "conversation_id" field. An empty
// conversation_id starts a new conversation. For new conversations it renders the complete
// chatbox template; for existing ones it renders the two new message partials.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.FormValue("message")
	if query == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		userID = "web-user"
	}

	conversationID := r.FormValue("conversation_id")
	isNewConversation := conversationID == ""
	if isNewConversation {
		var err error
		conversationID, err = m.newConversation(query)
		if err != nil {
			m.logger.Error("Failed to create new conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else if conversationID != m.store.ConversationID() {
		// The client switched threads since the page was rendered.
		if err := m.switchConversation(r.Context(), conversationID); err != nil {
			m.logger.Error("Failed to switch conversation",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	// We record two messages: the user's input and a placeholder the answer streams into.
	userMsgID := m.store.AddMessage(models.Message{
		Role:    models.RoleUser,
		Content: query,
		Status:  models.StatusCompleted,
	})

	aiMsgID := m.store.AddMessage(models.Message{
		Role:   models.RoleAssistant,
		Status: models.StatusStreaming,
	})
	m.store.SetStreaming(true, aiMsgID)

	go m.respond(conversationID, aiMsgID, query, userID)

	if isNewConversation {
		m.renderChatbox(w)
		return
	}

	userMsg, _ := m.store.Message(userMsgID)
	aiMsg, _ := m.store.Message(aiMsgID)
	for _, msg := range []models.Message{userMsg, aiMsg} {
		view, err := m.messageView(msg)
		if err != nil {
			m.logger.Error("Failed to render contents",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name := "user_message"
		if msg.Role == models.RoleAssistant {
			name = "ai_message"
		}
		if err := m.templates.ExecuteTemplate(w, name, view); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// respond consumes one response stream and routes its results into the conversation store.
// Results destined for a message that is no longer the store's streaming target are discarded,
// which covers the user starting a new conversation mid-stream. On the terminal result the
// finished conversation is persisted through the history collaborator.
func (m Main) respond(conversationID, messageID, query, userID string) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(messageID))
	}()

	for res := range m.kb.Ask(context.Background(), query, conversationID, userID) {
		if m.store.StreamingMessageID() != messageID {
			m.logger.Debug("Discarding result for inactive stream target",
				slog.String("messageID", messageID))
			return
		}

		switch {
		case res.Err != "":
			m.store.UpdateMessage(messageID, store.MessageUpdate{
				Status: models.StatusError,
				Error:  res.Err,
			})
			m.saveConversation(conversationID)
			return
		case res.Done:
			m.store.UpdateMessage(messageID, store.MessageUpdate{
				Status:    models.StatusCompleted,
				Citations: res.Citations,
			})
			m.saveConversation(conversationID)
			return
		default:
			m.store.AppendToMessage(messageID, res.Text)
		}
	}

	// The sequence ended without a terminal result; the driver contract makes this
	// unreachable for well-behaved backends, but the message must not hang.
	m.store.UpdateMessage(messageID, store.MessageUpdate{Status: models.StatusCompleted})
	m.saveConversation(conversationID)
}

func (m Main) saveConversation(conversationID string) {
	if m.store.ConversationID() != conversationID {
		return
	}
	err := m.history.SaveMessages(context.Background(), conversationID, m.store.Messages())
	if err != nil {
		// Persistence failure must not disturb the finished stream; the volatile
		// state is still intact for this tab.
		m.logger.Error("Failed to save conversation history",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) newConversation(query string) (string, error) {
	m.store.NewConversation()

	newID, err := m.history.AddConversation(context.Background(), models.Conversation{
		ID:        m.store.ConversationID(),
		Title:     titleFromQuery(query),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to add conversation: %w", err)
	}

	// History owns identity; pin the fresh store to the durable id.
	m.store.LoadConversation(newID, nil)

	divs, err := m.conversationDivs(newID)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation divs: %w", err)
	}

	msg := sse.Message{
		Type: conversationsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish conversations: %w", err)
	}

	return newID, nil
}

func (m Main) switchConversation(ctx context.Context, conversationID string) error {
	messages, err := m.history.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}
	m.store.LoadConversation(conversationID, messages)
	return nil
}

// titleFromQuery derives a conversation title from the first user query. The backend owns
// answer generation, so there is no model round-trip for titles.
func titleFromQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(query) <= maxTitleRunes {
		return query
	}
	runes := []rune(query)
	return string(runes[:maxTitleRunes]) + "…"
}

func (m Main) messageView(msg models.Message) (message, error) {
	content := msg.Content
	if msg.Role == models.RoleAssistant {
		var err error
		content, err = models.RenderMarkdown(msg.Content)
		if err != nil {
			return message{}, err
		}
	} else {
		content = template.HTMLEscapeString(content)
	}

	citations := make([]citation, len(msg.Citations))
	for i, c := range msg.Citations {
		citations[i] = citation{
			DocumentName: c.DocumentName,
			Content:      c.Content,
			HasScore:     c.Score != nil,
		}
		if c.Score != nil {
			citations[i].Score = *c.Score
		}
	}

	return message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   template.HTML(content), //nolint:gosec // assistant markdown is rendered server-side
		Status:    string(msg.Status),
		Citations: citations,
		Error:     msg.Error,
		Timestamp: msg.Timestamp,
	}, nil
}

func (m Main) renderMessage(msg models.Message) (string, error) {
	view, err := m.messageView(msg)
	if err != nil {
		return "", err
	}

	name := "user_message"
	if msg.Role == models.RoleAssistant {
		name = "ai_message"
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, view); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}

func (m Main) conversationDivs(activeID string) (string, error) {
	conversations, err := m.history.Conversations(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get conversations: %w", err)
	}

	var sb strings.Builder
	for _, c := range conversations {
		err := m.templates.ExecuteTemplate(&sb, "conversation_title", conversation{
			ID:     c.ID,
			Title:  c.Title,
			Active: c.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute conversation_title template: %w", err)
		}
	}
	return sb.String(), nil
}
