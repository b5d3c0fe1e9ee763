// Package postgres implements the conversation store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/pkg/logger"
)

// Compile-time check to ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            UUID PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	title         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	message_count INTEGER NOT NULL DEFAULT 0,
	preview       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS conversations_owner_updated_idx
	ON conversations (owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	seq             BIGINT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	task_id         TEXT,
	agents_used     TEXT[],
	tokens_used     INTEGER,
	UNIQUE (conversation_id, seq)
);`

// Store is a PostgreSQL-backed conversation store.
type Store struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// Connect opens a pool for databaseURL and applies the schema.
func Connect(ctx context.Context, databaseURL string, log *logger.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := New(pool, log)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *pgxpool.Pool, log *logger.Logger) *Store {
	return &Store{db: db, logger: logger.OrNop(log).Component("postgres_store")}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const conversationColumns = `id::text, owner_id, title, created_at, updated_at, message_count, preview`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&conv.MessageCount,
		&conv.Preview,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error) {
	query := `
		INSERT INTO conversations (id, owner_id, title)
		VALUES ($1, $2, $3)
		RETURNING ` + conversationColumns

	conv, err := scanConversation(s.db.QueryRow(ctx, query, uuid.Must(uuid.NewV7()), ownerID, title))
	if err != nil {
		s.logger.Error("failed to create conversation", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("database error creating conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns store.ErrNotFound if it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	convID, err := uuid.Parse(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.db.QueryRow(ctx, query, convID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("database error fetching conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns ownerID's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE owner_id = $1
		ORDER BY updated_at DESC`

	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("database error listing conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

// RenameConversation sets a new title.
func (s *Store) RenameConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	convID, err := uuid.Parse(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	query := `
		UPDATE conversations SET title = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	conv, err := scanConversation(s.db.QueryRow(ctx, query, convID, title))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("database error renaming conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation deletes a conversation; messages go with it via ON DELETE CASCADE.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	convID, err := uuid.Parse(id)
	if err != nil {
		return store.ErrNotFound
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, convID)
	if err != nil {
		return fmt.Errorf("database error deleting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and updates the conversation counters in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta *model.MessageMeta) (*model.Message, error) {
	if !role.Valid() {
		return nil, store.ErrInvalidRole
	}
	convID, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, store.ErrNotFound
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	meta.Apply(msg)

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx,
			`SELECT message_count FROM conversations WHERE id = $1 FOR UPDATE`, convID,
		).Scan(&count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		seq := count + 1
		err = tx.QueryRow(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, task_id, agents_used, tokens_used)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
			RETURNING created_at`,
			msg.ID, convID, seq, string(role), content, msg.TaskID, msg.AgentsUsed, msg.TokensUsed,
		).Scan(&msg.CreatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET message_count = $2, updated_at = $3, preview = $4
			WHERE id = $1`,
			convID, seq, msg.CreatedAt, model.Preview(content),
		)
		msg.Sequence = uint64(seq)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to append message",
			zap.String("conversation_id", conversationID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("database error appending message: %w", err)
	}

	return msg, nil
}

// ListMessages returns the conversation log ordered by sequence.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id::text, conversation_id::text, seq, role, content, created_at,
		       COALESCE(task_id, ''), agents_used, tokens_used
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("database error listing messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg  model.Message
			seq  int64
			role string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&seq,
			&role,
			&msg.Content,
			&msg.CreatedAt,
			&msg.TaskID,
			&msg.AgentsUsed,
			&msg.TokensUsed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		msg.Sequence = uint64(seq)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}
