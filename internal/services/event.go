package services

import "encoding/json"

// EventKind identifies the semantic meaning of a decoded frame.
type EventKind string

const (
	// EventAnswerDelta carries a text fragment to append to the active assistant message.
	EventAnswerDelta EventKind = "answer-delta"
	// EventStreamEnd signals that no more content follows. It may carry retrieval metadata.
	EventStreamEnd EventKind = "stream-end"
	// EventError signals a terminal failure reported by the backend.
	EventError EventKind = "error"
	// EventUnknown covers event kinds this client does not recognize. Newer server event
	// types must not break older clients, so unknown kinds are ignored rather than rejected.
	EventUnknown EventKind = "unknown"
)

// StreamEvent is the classified form of one protocol frame.
type StreamEvent struct {
	Kind EventKind

	// Answer is filled when Kind is EventAnswerDelta.
	Answer string
	// Resources is filled when Kind is EventStreamEnd and the backend grounded the answer.
	Resources []RetrieverResource
	// Message is filled when Kind is EventError.
	Message string
}

// RetrieverResource is one backend retrieval-metadata record attached to a stream-end event.
type RetrieverResource struct {
	Content      string   `json:"content"`
	DatasetID    string   `json:"dataset_id"`
	DocumentID   string   `json:"document_id"`
	DocumentName string   `json:"document_name"`
	Score        *float64 `json:"score"`
}

type framePayload struct {
	Event    string `json:"event"`
	Answer   string `json:"answer"`
	Message  string `json:"message"`
	Metadata struct {
		RetrieverResources []RetrieverResource `json:"retriever_resources"`
	} `json:"metadata"`
}

// ParseEvent maps a decoded frame's payload to its semantic event. Events come out in the same
// order frames were decoded; there is no reordering or buffering beyond single-frame granularity.
// The payload is assumed to be valid JSON, which the frame decoder already guarantees.
func ParseEvent(payload json.RawMessage) StreamEvent {
	var p framePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return StreamEvent{Kind: EventUnknown}
	}

	switch p.Event {
	case "message", "agent_message":
		return StreamEvent{Kind: EventAnswerDelta, Answer: p.Answer}
	case "message_end":
		return StreamEvent{Kind: EventStreamEnd, Resources: p.Metadata.RetrieverResources}
	case "error":
		return StreamEvent{Kind: EventError, Message: p.Message}
	default:
		return StreamEvent{Kind: EventUnknown}
	}
}
