// Package memory provides an in-process conversation store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps conversations and messages in maps guarded by one lock.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	now           func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		now:           time.Now,
	}
}

// CreateConversation creates an empty conversation for ownerID.
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error) {
	now := s.now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = nil
	s.mu.Unlock()

	c := *conv
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns ownerID's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	s.mu.RLock()
	convs := make([]model.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			convs = append(convs, *conv)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// RenameConversation sets a new title.
func (s *Store) RenameConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = s.now()

	c := *conv
	return &c, nil
}

// DeleteConversation removes a conversation and its message log.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// AppendMessage appends to the conversation log and updates its metadata.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta *model.MessageMeta) (*model.Message, error) {
	if !role.Valid() {
		return nil, store.ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	meta.Apply(&msg)

	log := append(s.messages[conversationID], msg)
	s.messages[conversationID] = log
	msg.Sequence = uint64(len(log))
	log[len(log)-1].Sequence = msg.Sequence

	conv.MessageCount = len(log)
	conv.UpdatedAt = msg.CreatedAt
	conv.Preview = model.Preview(content)

	return &msg, nil
}

// ListMessages returns the conversation log in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, store.ErrNotFound
	}
	log := s.messages[conversationID]
	out := make([]model.Message, len(log))
	copy(out, log)
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
