package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	kbwebui "github.com/kbchat/kb-web-ui"
	"github.com/kbchat/kb-web-ui/internal/models"
	"github.com/kbchat/kb-web-ui/internal/store"
	"github.com/tmaxmax/go-sse"
)

// KnowledgeBackend represents the knowledge retrieval endpoint that answers user queries. Ask
// returns a lazy, single-use sequence of stream results; every failure is folded into a terminal
// result, so consumers only inspect what they receive.
type KnowledgeBackend interface {
	Ask(ctx context.Context, query, conversationID, userID string) iter.Seq[models.StreamResult]
}

// History defines the durable conversation storage collaborator. The in-memory conversation
// store is a volatile cache over this interface and never persists anything itself.
type History interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the interplay between the knowledge backend, the volatile conversation
// store, and durable history.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	kb      KnowledgeBackend
	history History
	store   *store.ConversationStore

	logger *slog.Logger
}

const (
	conversationsSSETopic = "conversations"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	conversationsSSEType = sse.Type("conversations")
	messagesSSEType      = sse.Type("messages")
)

// NewMain creates a new Main instance wired to the given collaborators. It parses the embedded
// HTML templates and configures the SSE server so every client subscribes to the conversation
// list topic plus, on request, a message-specific topic. The store's subscriber mechanism feeds
// the SSE fan-out: any mutation re-renders and publishes the message that changed.
func NewMain(
	kb KnowledgeBackend,
	history History,
	st *store.ConversationStore,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		kbwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, conversationsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		kb:        kb,
		history:   history,
		store:     st,
		logger:    logger.With(slog.String("module", "handlers")),
	}

	st.Subscribe(m.publishLastMessage)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the event stream endpoints the browser subscribes to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// publishLastMessage is subscribed to the conversation store. The UI flow only ever mutates the
// most recent message (delta appends, terminal updates), so rendering and publishing the tail
// keeps every connected client current.
func (m Main) publishLastMessage() {
	messages := m.store.Messages()
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]

	rendered, err := m.renderMessage(last)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", last.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(rendered)
	if err := m.sseSrv.Publish(&msg, messageIDTopic(last.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", last.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate, after which any remaining
// connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
