package model

import (
	"time"
)

// PreviewLength is the number of characters of the latest message kept on a conversation.
const PreviewLength = 100

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the message log accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents one immutable entry of a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	// Orchestrator metadata, set on assistant messages only.
	TaskID     string   `json:"task_id,omitempty"`
	AgentsUsed []string `json:"agents_used,omitempty"`
	TokensUsed *int     `json:"tokens_used,omitempty"`

	// Populated on read by stream-backed stores.
	Sequence uint64 `json:"sequence,omitempty"`
}

// MessageMeta carries the optional orchestrator metadata of an appended message.
type MessageMeta struct {
	TaskID     string
	AgentsUsed []string
	TokensUsed *int
}

// Apply copies the metadata onto msg.
func (m *MessageMeta) Apply(msg *Message) {
	if m == nil {
		return
	}
	msg.TaskID = m.TaskID
	if len(m.AgentsUsed) > 0 {
		msg.AgentsUsed = append([]string(nil), m.AgentsUsed...)
	}
	if m.TokensUsed != nil {
		n := *m.TokensUsed
		msg.TokensUsed = &n
	}
}

// Preview returns the first PreviewLength characters of content.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength])
}

// SendMessageRequest is the body of a chat turn.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}
