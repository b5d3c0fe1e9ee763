// Package relay turns one chat turn into an orchestrator task and streams the
// answer back as events, appending exactly one assistant message per admitted turn.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

const (
	DefaultChunkSize    = 50
	DefaultChunkDelay   = 20 * time.Millisecond
	DefaultContextTurns = 10

	defaultPersistTimeout = 5 * time.Second
)

// User-facing texts written to the transcript.
const (
	FallbackMessage    = "I'm having trouble connecting to my data sources right now. Please try again in a moment."
	EmptyResultMessage = "No response received."
)

// ErrEmptyMessage is returned by Begin for a blank turn.
var ErrEmptyMessage = errors.New("message is required")

// Submitter starts orchestrator tasks.
type Submitter interface {
	Submit(ctx context.Context, instruction string, taskContext map[string]any) (*orchestrator.TaskStatus, error)
}

// TaskPoller waits for an asynchronous task to settle.
type TaskPoller interface {
	PollUntilComplete(ctx context.Context, taskID string, onUpdate orchestrator.UpdateFunc) (*orchestrator.TaskStatus, error)
}

// Admitter decides whether a user may start another turn.
type Admitter interface {
	Admit(key string) error
}

// Resolver finds the conversation a turn belongs to, creating it when
// conversationID is empty. Conversations owned by someone else are not found.
type Resolver interface {
	Resolve(ctx context.Context, ownerID, conversationID, firstMessage string) (*model.Conversation, error)
}

// Config wires a Relay.
type Config struct {
	Store     store.Store
	Submitter Submitter
	Poller    TaskPoller
	Limiter   Admitter
	Resolver  Resolver

	ChunkSize    int
	ChunkDelay   time.Duration
	ContextTurns int

	// PersistTimeout bounds the fallback write made after a failure.
	PersistTimeout time.Duration

	Logger *logger.Logger
}

// Relay creates sessions for incoming turns.
type Relay struct {
	store     store.Store
	submitter Submitter
	poller    TaskPoller
	limiter   Admitter
	resolver  Resolver

	chunkSize      int
	chunkDelay     time.Duration
	contextTurns   int
	persistTimeout time.Duration

	logger *logger.Logger
}

// New creates a relay. Zero tuning values take the defaults; a negative
// ChunkDelay disables the inter-slice pause.
func New(cfg Config) *Relay {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = DefaultChunkDelay
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = DefaultContextTurns
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = StoreResolver{Store: cfg.Store}
	}

	return &Relay{
		store:          cfg.Store,
		submitter:      cfg.Submitter,
		poller:         cfg.Poller,
		limiter:        cfg.Limiter,
		resolver:       cfg.Resolver,
		chunkSize:      cfg.ChunkSize,
		chunkDelay:     cfg.ChunkDelay,
		contextTurns:   cfg.ContextTurns,
		persistTimeout: cfg.PersistTimeout,
		logger:         logger.OrNop(cfg.Logger).Component("relay"),
	}
}

// Turn is one user message addressed to a conversation.
type Turn struct {
	UserID         string
	ConversationID string
	Message        string
}

// Begin admits the turn, resolves its conversation and appends the user
// message. An existing conversation is resolved before admission so a turn
// aimed at a missing thread costs nothing; a denied turn leaves no trace in
// the store. History is read before the user message is written, so a failed
// read cannot strand an unanswered turn.
func (r *Relay) Begin(ctx context.Context, turn Turn) (*Session, error) {
	message := strings.TrimSpace(turn.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	var conv *model.Conversation
	if turn.ConversationID != "" {
		var err error
		if conv, err = r.resolver.Resolve(ctx, turn.UserID, turn.ConversationID, message); err != nil {
			return nil, err
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Admit(turn.UserID); err != nil {
			r.logger.Info("turn not admitted", zap.String("user_id", turn.UserID), zap.Error(err))
			return nil, err
		}
	}

	var history []model.Message
	if conv == nil {
		var err error
		if conv, err = r.resolver.Resolve(ctx, turn.UserID, "", message); err != nil {
			return nil, err
		}
	} else {
		var err error
		if history, err = r.store.ListMessages(ctx, conv.ID); err != nil {
			return nil, fmt.Errorf("failed to load conversation history: %w", err)
		}
	}

	userMsg, err := r.store.AppendMessage(ctx, conv.ID, model.RoleUser, turn.Message, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	history = append(history, *userMsg)

	return &Session{
		relay:        r,
		conversation: conv,
		userMessage:  userMsg,
		instruction:  turn.Message,
		history:      trailingTurns(history, r.contextTurns),
		state:        StateAdmitted,
		logger: r.logger.With(
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", turn.UserID),
		),
	}, nil
}

// trailingTurns keeps the last n messages as orchestrator context.
func trailingTurns(history []model.Message, n int) []orchestrator.ConversationTurn {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	turns := make([]orchestrator.ConversationTurn, len(history))
	for i, m := range history {
		turns[i] = orchestrator.ConversationTurn{Role: string(m.Role), Content: m.Content}
	}
	return turns
}

// StoreResolver resolves conversations directly against a store and titles
// new ones from their first message.
type StoreResolver struct {
	Store store.Store
}

// Resolve implements Resolver.
func (sr StoreResolver) Resolve(ctx context.Context, ownerID, conversationID, firstMessage string) (*model.Conversation, error) {
	if conversationID == "" {
		conv, err := sr.Store.CreateConversation(ctx, ownerID, model.TitleFromMessage(firstMessage))
		if err != nil {
			return nil, err
		}
		metrics.ConversationsTotal.Inc()
		return conv, nil
	}

	conv, err := sr.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}
