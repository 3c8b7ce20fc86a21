package handlers

import (
	"context"
	"log/slog"
	"net/http"
)

type homePageData struct {
	CurrentConversationID string
	Conversations         []conversation
	Messages              []message
}

// HandleHome renders the chat page from the conversation store and the durable history. An
// optional "conversation_id" query parameter loads that thread into the store before rendering.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if convID := r.URL.Query().Get("conversation_id"); convID != "" && convID != m.store.ConversationID() {
		if err := m.switchConversation(r.Context(), convID); err != nil {
			m.logger.Error("Failed to load conversation",
				slog.String("conversationID", convID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	data, err := m.homeData()
	if err != nil {
		m.logger.Error("Failed to build home page data", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) homeData() (homePageData, error) {
	conversations, err := m.history.Conversations(context.Background())
	if err != nil {
		return homePageData{}, err
	}

	activeID := m.store.ConversationID()
	convs := make([]conversation, len(conversations))
	for i, c := range conversations {
		convs[i] = conversation{
			ID:     c.ID,
			Title:  c.Title,
			Active: c.ID == activeID,
		}
	}

	storeMessages := m.store.Messages()
	msgs := make([]message, 0, len(storeMessages))
	for _, msg := range storeMessages {
		view, err := m.messageView(msg)
		if err != nil {
			return homePageData{}, err
		}
		msgs = append(msgs, view)
	}

	return homePageData{
		CurrentConversationID: activeID,
		Conversations:         convs,
		Messages:              msgs,
	}, nil
}

func (m Main) renderChatbox(w http.ResponseWriter) {
	data, err := m.homeData()
	if err != nil {
		m.logger.Error("Failed to build chatbox data", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
