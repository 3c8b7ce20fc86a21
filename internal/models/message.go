package models

import "time"

// Conversation represents a message thread in the chat system. It provides basic identification
// and labeling capabilities for organizing chats; the messages themselves are stored separately.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Message represents an individual turn within a conversation. For assistant messages the content
// grows incrementally while the answer is being streamed, and the citations arrive only with the
// terminal stream event.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Status    Status
	Citations []Citation
	// Error holds a human-readable failure summary. It is only set when Status is StatusError.
	Error     string
	Timestamp time.Time
}

// Citation is a normalized reference to the knowledge-base snippet that grounded part of an
// answer. It references the source document, it does not own it.
type Citation struct {
	DocumentID   string
	DocumentName string
	Content      string
	// Score is the backend's relevance value, higher meaning more relevant. The range is
	// backend-defined. A nil score means the backend reported none, which is distinct from
	// a score of zero.
	Score *float64
}

// StreamResult is the unit value produced by a response stream. Text carries an answer fragment,
// Citations and Done arrive together on the terminal emission, and Err carries a terminal failure.
// A result never carries more than one kind of content change, except that the terminal emission
// may combine citations with the done flag.
type StreamResult struct {
	Text      string
	Citations []Citation
	Done      bool
	Err       string
}

// Role represents the role of a message participant.
type Role string

// Status represents the lifecycle state of a message. An assistant message is born streaming and
// ends in exactly one of the two terminal states; no transitions happen afterwards.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// StatusIdle is the transient state before a message enters the streaming lifecycle.
	StatusIdle Status = "idle"
	// StatusStreaming marks the single message currently receiving incremental text appends.
	StatusStreaming Status = "streaming"
	// StatusCompleted marks a message whose stream ended normally.
	StatusCompleted Status = "completed"
	// StatusError marks a message whose stream ended with a failure.
	StatusError Status = "error"
)

// Terminal reports whether the status is one of the two end states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}
