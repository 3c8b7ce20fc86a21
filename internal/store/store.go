// Package store holds the volatile conversation state a chat session renders from. It is an
// explicit observable container: a plain struct guarded by a mutex plus a callback list any
// rendering layer can subscribe to, with no framework singleton behind it. Durable history
// lives in the storage collaborator; this store only caches the active conversation.
package store

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kbchat/kb-web-ui/internal/models"
)

// ConversationStore owns the ordered message list of the active conversation, the identity of
// the message currently being streamed into, and the active conversation identifier. It is
// mutated only by the response stream consumer and by explicit user actions.
//
// Invariant: at most one message has a streaming status at any time, and whenever IsStreaming
// reports true that message's id equals StreamingMessageID.
type ConversationStore struct {
	mu sync.Mutex

	conversationID string
	messages       []models.Message

	streaming          bool
	streamingMessageID string

	subscribers []func()
}

// MessageUpdate describes a partial merge into an existing message. Zero-valued fields are
// left untouched; Content replaces the buffer outright, which appends use AppendToMessage for.
type MessageUpdate struct {
	Content   *string
	Status    models.Status
	Citations []models.Citation
	Error     string
}

// NewConversationStore creates an empty store with a fresh conversation identifier.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		conversationID: uuid.New().String(),
	}
}

// Subscribe registers a callback invoked after every mutation. Callbacks run outside the
// store's lock and may read back through the accessors.
func (s *ConversationStore) Subscribe(fn func()) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// ConversationID returns the active conversation identifier.
func (s *ConversationStore) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the ordered message list.
func (s *ConversationStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Message returns the message with the given id, if present.
func (s *ConversationStore) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return models.Message{}, false
	}
	return s.messages[idx], true
}

// IsStreaming reports whether a message is currently receiving deltas.
func (s *ConversationStore) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// StreamingMessageID returns the id of the active streaming target, or the empty string.
func (s *ConversationStore) StreamingMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingMessageID
}

// AddMessage appends a message, assigning a fresh identifier and the current timestamp, and
// returns the identifier. Concurrent calls append in call order. A message added with a
// streaming status becomes the single streaming message and the delta target; any previous
// one is completed first.
func (s *ConversationStore) AddMessage(message models.Message) string {
	s.mu.Lock()
	message.ID = uuid.New().String()
	message.Timestamp = time.Now()
	if message.Status == "" {
		message.Status = models.StatusIdle
	}
	if message.Status == models.StatusStreaming {
		s.completeStreamingLocked()
		s.streaming = true
		s.streamingMessageID = message.ID
	}
	s.messages = append(s.messages, message)
	s.mu.Unlock()

	s.notify()
	return message.ID
}

// AppendToMessage appends a text delta to the message's content buffer. Content is append-only
// while the message is streaming and frozen afterwards, so deltas for a message that already
// reached a terminal state are dropped.
func (s *ConversationStore) AppendToMessage(id, delta string) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 || s.messages[idx].Status != models.StatusStreaming {
		s.mu.Unlock()
		return
	}
	s.messages[idx].Content += delta
	s.mu.Unlock()

	s.notify()
}

// UpdateMessage merges the update into the message with the given id. Updating an absent id is
// a no-op, never a failure. A message already in a terminal state stays frozen.
func (s *ConversationStore) UpdateMessage(id string, update MessageUpdate) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 || s.messages[idx].Status.Terminal() {
		s.mu.Unlock()
		return
	}

	msg := &s.messages[idx]
	if update.Content != nil {
		msg.Content = *update.Content
	}
	if update.Citations != nil {
		msg.Citations = update.Citations
	}
	if update.Error != "" {
		msg.Error = update.Error
	}
	if update.Status != "" {
		if update.Status == models.StatusStreaming {
			s.completeStreamingLocked()
			s.streaming = true
			s.streamingMessageID = id
		}
		msg.Status = update.Status
		if msg.Status.Terminal() && s.streamingMessageID == id {
			s.streaming = false
			s.streamingMessageID = ""
		}
	}
	s.mu.Unlock()

	s.notify()
}

// SetStreaming records which message, if any, incoming text deltas should be routed to.
func (s *ConversationStore) SetStreaming(flag bool, id string) {
	s.mu.Lock()
	s.streaming = flag
	if flag {
		s.streamingMessageID = id
	} else {
		s.streamingMessageID = ""
	}
	s.mu.Unlock()

	s.notify()
}

// NewConversation clears the message list and streaming state and assigns a fresh conversation
// identifier, which it returns. This is the only way to reset the store for a new conversation.
func (s *ConversationStore) NewConversation() string {
	s.mu.Lock()
	s.conversationID = uuid.New().String()
	s.messages = nil
	s.streaming = false
	s.streamingMessageID = ""
	s.mu.Unlock()

	s.notify()
	return s.conversationID
}

// LoadConversation replaces the message list wholesale with previously persisted messages,
// bypassing the streaming lifecycle. Statuses are normalized to completed except persisted
// errors, and any in-flight streaming state is cleared.
func (s *ConversationStore) LoadConversation(conversationID string, messages []models.Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = slices.Clone(messages)
	for i := range s.messages {
		if s.messages[i].Status != models.StatusError {
			s.messages[i].Status = models.StatusCompleted
		}
	}
	s.streaming = false
	s.streamingMessageID = ""
	s.mu.Unlock()

	s.notify()
}

func (s *ConversationStore) indexOf(id string) int {
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

// completeStreamingLocked forces any currently streaming message into completed and clears
// the streaming target, so a stale target never survives the message it pointed at.
func (s *ConversationStore) completeStreamingLocked() {
	for i := range s.messages {
		if s.messages[i].Status == models.StatusStreaming {
			s.messages[i].Status = models.StatusCompleted
		}
	}
	s.streaming = false
	s.streamingMessageID = ""
}

func (s *ConversationStore) notify() {
	s.mu.Lock()
	subs := slices.Clone(s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
