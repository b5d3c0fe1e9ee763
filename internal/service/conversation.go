// Package service provides conversation management on top of the store.
package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

// ErrInvalidTitle is returned when renaming to a blank title.
var ErrInvalidTitle = errors.New("title is required")

// ConversationService handles conversation operations for a single owner at a time.
type ConversationService struct {
	store  store.Store
	titler *Titler
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. titler may be nil.
func NewConversationService(st store.Store, titler *Titler, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		titler: titler,
		logger: logger.OrNop(log).Component("conversation_service"),
	}
}

// Create creates a new conversation. A blank title gets the default.
func (s *ConversationService) Create(ctx context.Context, ownerID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = model.DefaultConversationTitle
	} else {
		title = model.TitleFromMessage(title)
	}

	conv, err := s.store.CreateConversation(ctx, ownerID, title)
	if err != nil {
		return nil, err
	}
	metrics.ConversationsTotal.Inc()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("owner_id", ownerID),
	)
	return conv, nil
}

// Get retrieves a conversation owned by ownerID.
// Conversations owned by someone else are reported as store.ErrNotFound.
func (s *ConversationService) Get(ctx context.Context, ownerID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// List lists ownerID's conversations, most recently updated first.
func (s *ConversationService) List(ctx context.Context, ownerID string) (*model.ListConversationsResponse, error) {
	convs, err := s.store.ListConversations(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Rename changes the title of a conversation.
func (s *ConversationService) Rename(ctx context.Context, ownerID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	if _, err := s.Get(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.store.RenameConversation(ctx, conversationID, title)
}

// Delete deletes a conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, ownerID, conversationID string) error {
	if _, err := s.Get(ctx, ownerID, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

// Messages returns the message log of a conversation.
func (s *ConversationService) Messages(ctx context.Context, ownerID, conversationID string) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{Messages: msgs}, nil
}

// Resolve returns the conversation a turn belongs to, creating a titled one
// when conversationID is empty.
func (s *ConversationService) Resolve(ctx context.Context, ownerID, conversationID, firstMessage string) (*model.Conversation, error) {
	if conversationID != "" {
		return s.Get(ctx, ownerID, conversationID)
	}
	return s.Create(ctx, ownerID, &model.CreateConversationRequest{Title: s.titler.Title(ctx, firstMessage)})
}
