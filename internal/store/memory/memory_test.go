package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/internal/store/storetest"
)

func steppedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestSequencesArePerConversation(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.CreateConversation(ctx, "u", "a")
	b, _ := s.CreateConversation(ctx, "u", "b")

	for _, c := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(ctx, a.ID, model.RoleUser, c, nil)
		require.NoError(t, err)
	}
	first, err := s.AppendMessage(ctx, b.ID, model.RoleUser, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)

	msgs, err := s.ListMessages(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[2].Sequence)
}

func TestListConversationsByOwnerNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.now = steppedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	older, _ := s.CreateConversation(ctx, "alice", "older")
	newer, _ := s.CreateConversation(ctx, "alice", "newer")
	s.CreateConversation(ctx, "bob", "other")

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)

	// Appending bumps the older thread to the top.
	s.AppendMessage(ctx, older.ID, model.RoleUser, "ping", nil)
	convs, _ = s.ListConversations(ctx, "alice")
	assert.Equal(t, older.ID, convs[0].ID)
}
