package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/pkg/logger"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// BucketName is the KV bucket holding conversation metadata.
	BucketName = "conversations"

	maxUpdateAttempts = 5

	defaultFetchWait = 2 * time.Second
)

// ErrIncompleteLog is returned when a conversation's messages could not all be read back.
var ErrIncompleteLog = errors.New("incomplete message log")

var _ store.Store = (*Store)(nil)

// Store keeps message logs in a JetStream stream and conversation metadata in a KV bucket.
type Store struct {
	client *Client
	stream jetstream.Stream
	kv     jetstream.KeyValue
	logger *logger.Logger
	now    func() time.Time

	fetchWait time.Duration
}

// NewStore ensures the stream and bucket exist and returns a store over them.
func NewStore(ctx context.Context, client *Client) (*Store, error) {
	s := &Store{
		client: client,
		logger: client.logger.Component("nats_store"),
		now:    time.Now,

		fetchWait: defaultFetchWait,
	}
	if err := s.ensureStream(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureStream(ctx context.Context) error {
	js := s.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		s.stream = stream
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		// Deleting a conversation purges its subjects.
		DenyPurge:   false,
		Description: "Conversation message logs",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	js := s.client.JetStream()

	kv, err := js.KeyValue(ctx, BucketName)
	if err == nil {
		s.kv = kv
		return nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return fmt.Errorf("failed to look up bucket: %w", err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Conversation metadata",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.kv = kv
	return nil
}

// MessageSubject returns the subject a message is published on.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, role)
}

// ConversationFilter returns the filter subject for everything in a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, conversationID)
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (s *Store) load(ctx context.Context, id string) (*model.Conversation, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isMissing(err) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to read conversation: %w", err)
	}
	conv, err := decodeConversation(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return conv, entry.Revision(), nil
}

func decodeConversation(data []byte) (*model.Conversation, error) {
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// CreateConversation stores a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error) {
	now := s.now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Create(ctx, conv.ID, data); err != nil {
		return nil, fmt.Errorf("failed to store conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, _, err := s.load(ctx, id)
	return conv, err
}

// ListConversations scans the bucket for ownerID's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []model.Conversation{}, nil
		}
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	convs := make([]model.Conversation, 0)
	for _, key := range keys {
		conv, _, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if conv.OwnerID == ownerID {
			convs = append(convs, *conv)
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// update applies mutate to the stored record with optimistic concurrency.
func (s *Store) update(ctx context.Context, id string, mutate func(*model.Conversation)) (*model.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		conv, revision, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(conv)

		data, err := json.Marshal(conv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if _, err := s.kv.Update(ctx, id, data, revision); err != nil {
			lastErr = err
			s.logger.Debug("conversation update conflict, retrying",
				zap.String("conversation_id", id),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return conv, nil
	}
	return nil, fmt.Errorf("failed to update conversation after %d attempts: %w", maxUpdateAttempts, lastErr)
}

// RenameConversation sets a new title.
func (s *Store) RenameConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	now := s.now().UTC()
	return s.update(ctx, id, func(conv *model.Conversation) {
		conv.Title = title
		conv.UpdatedAt = now
	})
}

// DeleteConversation removes the record and purges the conversation's subjects.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.stream.Purge(ctx, jetstream.WithPurgeSubject(ConversationFilter(id))); err != nil {
		return fmt.Errorf("failed to purge messages: %w", err)
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// AppendMessage publishes the message to the stream and then bumps the conversation record.
// The stream is the source of truth: once the publish is acknowledged the message
// is returned even if the record update fails, and the next append recounts it.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta *model.MessageMeta) (*model.Message, error) {
	if !role.Valid() {
		return nil, store.ErrInvalidRole
	}
	if _, _, err := s.load(ctx, conversationID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	meta.Apply(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, MessageSubject(conversationID, role), data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	msg.Sequence = ack.Sequence

	if err := s.recordAppend(ctx, msg); err != nil {
		s.logger.Error("message published but conversation record not updated",
			zap.String("conversation_id", conversationID),
			zap.Uint64("sequence", ack.Sequence),
			zap.Error(err),
		)
	}
	return msg, nil
}

// recordAppend moves the conversation record forward to msg. The message count
// is taken from the stream so a previously missed update is repaired.
func (s *Store) recordAppend(ctx context.Context, msg *model.Message) error {
	count, countErr := s.countMessages(ctx, msg.ConversationID)
	if countErr != nil {
		s.logger.Warn("failed to count stored messages",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(countErr),
		)
	}

	_, err := s.update(ctx, msg.ConversationID, func(conv *model.Conversation) {
		if countErr == nil {
			conv.MessageCount = count
		} else {
			conv.MessageCount++
		}
		if !msg.CreatedAt.Before(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
			conv.Preview = model.Preview(msg.Content)
		}
	})
	return err
}

// countMessages returns how many messages the stream holds for the conversation.
func (s *Store) countMessages(ctx context.Context, conversationID string) (int, error) {
	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(ConversationFilter(conversationID)))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect stream: %w", err)
	}
	var total uint64
	for _, n := range info.State.Subjects {
		total += n
	}
	return int(total), nil
}

// ListMessages replays the conversation's subjects through an ephemeral consumer.
// It fails with ErrIncompleteLog rather than return fewer messages than the
// consumer reported pending.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, _, err := s.load(ctx, conversationID); err != nil {
		return nil, err
	}

	js := s.client.JetStream()
	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect consumer: %w", err)
	}
	defer func() {
		if err := js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, info.Name); err != nil {
			s.logger.Debug("failed to delete ephemeral consumer", zap.String("consumer", info.Name), zap.Error(err))
		}
	}()

	return s.readLog(ctx, consumer, int(info.NumPending))
}

// readLog fetches until want messages have been delivered. A fetch that comes
// back empty before then means the log cannot be read in full.
func (s *Store) readLog(ctx context.Context, consumer jetstream.Consumer, want int) ([]model.Message, error) {
	messages := make([]model.Message, 0, want)
	received := 0
	for received < want {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := consumer.Fetch(want-received, jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		got := 0
		for m := range batch.Messages() {
			got++
			var message model.Message
			if err := json.Unmarshal(m.Data(), &message); err != nil {
				s.logger.Warn("skipping undecodable message", zap.String("subject", m.Subject()), zap.Error(err))
				continue
			}
			if md, err := m.Metadata(); err == nil {
				message.Sequence = md.Sequence.Stream
			}
			messages = append(messages, message)
		}
		received += got

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if got == 0 {
			return nil, fmt.Errorf("%w: received %d of %d messages", ErrIncompleteLog, received, want)
		}
	}
	return messages, nil
}

// Ping checks the connection to the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
