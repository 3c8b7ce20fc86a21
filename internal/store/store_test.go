package store_test

import (
	"testing"

	"github.com/kbchat/kb-web-ui/internal/models"
	"github.com/kbchat/kb-web-ui/internal/store"
)

func streamingCount(st *store.ConversationStore) int {
	count := 0
	for _, msg := range st.Messages() {
		if msg.Status == models.StatusStreaming {
			count++
		}
	}
	return count
}

func TestAddMessageAssignsIdentity(t *testing.T) {
	st := store.NewConversationStore()

	id := st.AddMessage(models.Message{Role: models.RoleUser, Content: "hello"})
	if id == "" {
		t.Fatal("AddMessage returned an empty id")
	}

	msg, ok := st.Message(id)
	if !ok {
		t.Fatal("added message not found")
	}
	if msg.Status != models.StatusIdle {
		t.Errorf("default status = %q, want %q", msg.Status, models.StatusIdle)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestAtMostOneStreamingMessage(t *testing.T) {
	st := store.NewConversationStore()

	first := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	second := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})

	if got := streamingCount(st); got != 1 {
		t.Fatalf("streaming messages = %d, want 1", got)
	}

	firstMsg, _ := st.Message(first)
	if firstMsg.Status != models.StatusCompleted {
		t.Errorf("first message status = %q, want %q", firstMsg.Status, models.StatusCompleted)
	}
	secondMsg, _ := st.Message(second)
	if secondMsg.Status != models.StatusStreaming {
		t.Errorf("second message status = %q, want %q", secondMsg.Status, models.StatusStreaming)
	}
}

func TestAddStreamingMessageRetargetsStream(t *testing.T) {
	st := store.NewConversationStore()

	first := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	st.SetStreaming(true, first)

	second := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})

	if !st.IsStreaming() {
		t.Fatal("store not streaming after adding a streaming message")
	}
	if got := st.StreamingMessageID(); got != second {
		t.Errorf("streaming target = %q, want the new message %q", got, second)
	}
	firstMsg, _ := st.Message(first)
	if firstMsg.Status != models.StatusCompleted {
		t.Errorf("previous streaming message status = %q, want %q", firstMsg.Status, models.StatusCompleted)
	}

	// The abandoned target no longer accepts deltas.
	st.AppendToMessage(first, "stale")
	firstMsg, _ = st.Message(first)
	if firstMsg.Content != "" {
		t.Errorf("completed message content = %q, stale delta applied", firstMsg.Content)
	}
}

func TestAppendToMessage(t *testing.T) {
	st := store.NewConversationStore()
	id := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})

	st.AppendToMessage(id, "Hel")
	st.AppendToMessage(id, "lo")

	msg, _ := st.Message(id)
	if msg.Content != "Hello" {
		t.Errorf("content = %q, want Hello", msg.Content)
	}
}

func TestTerminalMessageIsFrozen(t *testing.T) {
	st := store.NewConversationStore()
	id := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	st.AppendToMessage(id, "final")
	st.UpdateMessage(id, store.MessageUpdate{Status: models.StatusCompleted})

	st.AppendToMessage(id, " extra")
	st.UpdateMessage(id, store.MessageUpdate{Status: models.StatusError, Error: "late failure"})

	msg, _ := st.Message(id)
	if msg.Content != "final" {
		t.Errorf("content = %q, want final", msg.Content)
	}
	if msg.Status != models.StatusCompleted {
		t.Errorf("status = %q, want %q", msg.Status, models.StatusCompleted)
	}
	if msg.Error != "" {
		t.Errorf("error = %q, want empty", msg.Error)
	}
}

func TestUpdateAbsentMessageIsNoOp(t *testing.T) {
	st := store.NewConversationStore()
	st.AddMessage(models.Message{Role: models.RoleUser, Content: "hello"})

	st.UpdateMessage("no-such-id", store.MessageUpdate{Status: models.StatusError, Error: "boom"})

	for _, msg := range st.Messages() {
		if msg.Error != "" || msg.Status == models.StatusError {
			t.Errorf("unrelated message mutated: %+v", msg)
		}
	}
}

func TestCompletingStreamClearsStreamingState(t *testing.T) {
	st := store.NewConversationStore()
	id := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	st.SetStreaming(true, id)

	st.UpdateMessage(id, store.MessageUpdate{Status: models.StatusCompleted})

	if st.IsStreaming() {
		t.Error("store still reports streaming after terminal update")
	}
	if got := st.StreamingMessageID(); got != "" {
		t.Errorf("streaming message id = %q, want empty", got)
	}
}

func TestNewConversationDetachesOldStream(t *testing.T) {
	st := store.NewConversationStore()
	oldID := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	st.SetStreaming(true, oldID)

	st.NewConversation()

	// Late results for the abandoned stream must not touch the new conversation.
	st.AppendToMessage(oldID, "stale delta")
	st.UpdateMessage(oldID, store.MessageUpdate{Status: models.StatusError, Error: "stale"})

	if got := len(st.Messages()); got != 0 {
		t.Errorf("new conversation has %d messages, want 0", got)
	}
	if st.IsStreaming() {
		t.Error("new conversation inherited streaming state")
	}
	if st.StreamingMessageID() != "" {
		t.Error("new conversation inherited a streaming target")
	}
}

func TestNewConversationChangesID(t *testing.T) {
	st := store.NewConversationStore()
	oldID := st.ConversationID()

	newID := st.NewConversation()
	if newID == "" || newID == oldID {
		t.Errorf("NewConversation() = %q, old id %q", newID, oldID)
	}
	if st.ConversationID() != newID {
		t.Errorf("ConversationID() = %q, want %q", st.ConversationID(), newID)
	}
}

func TestLoadConversationNormalizesStatuses(t *testing.T) {
	st := store.NewConversationStore()
	st.SetStreaming(true, "whatever")

	st.LoadConversation("conv-1", []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hi", Status: models.StatusIdle},
		{ID: "m2", Role: models.RoleAssistant, Content: "partial", Status: models.StatusStreaming},
		{ID: "m3", Role: models.RoleAssistant, Status: models.StatusError, Error: "backend failed"},
	})

	if st.ConversationID() != "conv-1" {
		t.Errorf("conversation id = %q, want conv-1", st.ConversationID())
	}
	if st.IsStreaming() {
		t.Error("loaded conversation reports streaming")
	}

	msgs := st.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Status != models.StatusCompleted || msgs[1].Status != models.StatusCompleted {
		t.Errorf("non-error statuses not normalized: %q, %q", msgs[0].Status, msgs[1].Status)
	}
	if msgs[2].Status != models.StatusError || msgs[2].Error != "backend failed" {
		t.Errorf("error message not preserved: %+v", msgs[2])
	}
}

func TestSubscribeNotifiesOnMutation(t *testing.T) {
	st := store.NewConversationStore()

	notified := 0
	st.Subscribe(func() { notified++ })

	id := st.AddMessage(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	st.AppendToMessage(id, "delta")
	st.UpdateMessage(id, store.MessageUpdate{Status: models.StatusCompleted})

	if notified != 3 {
		t.Errorf("subscriber called %d times, want 3", notified)
	}

	// Callbacks may read the store without deadlocking.
	st.Subscribe(func() { _ = st.Messages() })
	st.NewConversation()
}

func TestMessagesReturnsCopy(t *testing.T) {
	st := store.NewConversationStore()
	st.AddMessage(models.Message{Role: models.RoleUser, Content: "original"})

	msgs := st.Messages()
	msgs[0].Content = "mutated"

	fresh := st.Messages()
	if fresh[0].Content != "original" {
		t.Errorf("store content = %q, external mutation leaked", fresh[0].Content)
	}
}
