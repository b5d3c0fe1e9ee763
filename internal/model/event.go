package model

import "encoding/json"

// EventType identifies a payload on the client event stream.
type EventType string

const (
	EventTypeContent EventType = "content"
	EventTypeAgents  EventType = "agents"
	EventTypeMeta    EventType = "meta"
	EventTypeError   EventType = "error"

	// EventTypeDone is never serialized as JSON; it marks the end of the stream.
	EventTypeDone EventType = "done"
)

// DoneMarker is the literal payload that terminates every stream.
const DoneMarker = "[DONE]"

// StreamEvent is one event pushed to the client during a relay session.
// Only the fields relevant to Type are set.
type StreamEvent struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	Agents     []string  `json:"agents,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentsUsed []string  `json:"agents_used,omitempty"`
	TokensUsed *int      `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ContentEvent builds a content slice event.
func ContentEvent(slice string) StreamEvent {
	return StreamEvent{Type: EventTypeContent, Content: slice}
}

// AgentsEvent builds an active-agents event.
func AgentsEvent(agents []string) StreamEvent {
	return StreamEvent{Type: EventTypeAgents, Agents: append([]string(nil), agents...)}
}

// ErrorStreamEvent builds an error event with a human-readable message.
func ErrorStreamEvent(message string) StreamEvent {
	return StreamEvent{Type: EventTypeError, Error: message}
}

// MarshalJSON encodes the event. A meta event always carries task_id,
// agents_used and tokens_used, even when the orchestrator reported none.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if e.Type != EventTypeMeta {
		type plain StreamEvent
		return json.Marshal(plain(e))
	}

	agents := e.AgentsUsed
	if agents == nil {
		agents = []string{}
	}
	return json.Marshal(struct {
		Type       EventType `json:"type"`
		TaskID     string    `json:"task_id"`
		AgentsUsed []string  `json:"agents_used"`
		TokensUsed *int      `json:"tokens_used"`
	}{e.Type, e.TaskID, agents, e.TokensUsed})
}

// DoneEvent builds the stream termination marker.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventTypeDone}
}

// RateLimitResponse is the body returned when a turn is not admitted.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}
