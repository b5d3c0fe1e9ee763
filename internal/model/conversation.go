// Package model defines data structures for the task relay.
package model

import (
	"strings"
	"time"
)

// DefaultConversationTitle is used when a thread is opened without a usable first message.
const DefaultConversationTitle = "New Conversation"

// Conversation represents a conversation thread owned by one user.
type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview,omitempty"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// UpdateConversationRequest is the request to rename a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// MaxTitleLength is the number of characters of a first message used as a title.
const MaxTitleLength = 50

// TitleFromMessage derives a conversation title from its first message.
func TitleFromMessage(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return DefaultConversationTitle
	}
	runes := []rune(message)
	if len(runes) <= MaxTitleLength {
		return message
	}
	return string(runes[:MaxTitleLength])
}
