package handlers

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/kbchat/kb-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleNewConversation resets the conversation store for a fresh thread. The durable record is
// only created once the first message is sent, so abandoning an empty thread leaves no trace.
func (m Main) HandleNewConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.store.NewConversation()
	m.renderChatbox(w)
}

// HandleDeleteConversation removes a conversation from durable storage. If the deleted thread is
// the active one, the store is reset as well.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	if err := m.history.DeleteConversation(r.Context(), conversationID); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if conversationID == m.store.ConversationID() {
		m.store.NewConversation()
	}

	divs, err := m.conversationDivs(m.store.ConversationID())
	if err != nil {
		m.logger.Error("Failed to generate conversation divs", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := sse.Message{
		Type: conversationsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		m.logger.Error("Failed to publish conversations", slog.String(errLoggerKey, err.Error()))
	}

	m.renderChatbox(w)
}

// HandleRenameConversation replaces a conversation's stored title and pushes the refreshed
// list to every connected client. The title goes through the same normalization as generated
// titles, so the sidebar stays single-line.
func (m Main) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.FormValue("conversation_id")
	title := titleFromQuery(r.FormValue("title"))
	if conversationID == "" || title == "" {
		http.Error(w, "Conversation id and title are required", http.StatusBadRequest)
		return
	}

	conversations, err := m.history.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	idx := slices.IndexFunc(conversations, func(c models.Conversation) bool {
		return c.ID == conversationID
	})
	if idx == -1 {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	conv := conversations[idx]
	conv.Title = title
	if err := m.history.UpdateConversation(r.Context(), conv); err != nil {
		m.logger.Error("Failed to rename conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	divs, err := m.conversationDivs(m.store.ConversationID())
	if err != nil {
		m.logger.Error("Failed to generate conversation divs", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := sse.Message{
		Type: conversationsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		m.logger.Error("Failed to publish conversations", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleLoadConversation loads a persisted thread into the conversation store and renders it.
func (m Main) HandleLoadConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	if err := m.switchConversation(r.Context(), conversationID); err != nil {
		m.logger.Error("Failed to load conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.renderChatbox(w)
}
