// Package store defines the conversation store contract shared by all backends.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/task-relay/internal/model"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidRole is returned when appending a message with an unknown role.
var ErrInvalidRole = errors.New("invalid message role")

// Store persists conversations and their append-only message logs.
// AppendMessage must not report failure for a message that was persisted, and
// ListMessages must not return a partial log.
type Store interface {
	CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta *model.MessageMeta) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
