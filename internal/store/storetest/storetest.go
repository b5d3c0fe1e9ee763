// Package storetest holds behavioral cases every store.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
)

// Case is one behavior checked against a fresh store.
type Case struct {
	Name string
	Run  func(t *testing.T, s store.Store)
}

// Cases is the table shared by the memory, NATS and PostgreSQL store tests.
// Each case uses its own owner ID so backends may share state between cases.
var Cases = []Case{
	{Name: "append updates conversation", Run: appendUpdatesConversation},
	{Name: "list messages preserves order", Run: listMessagesPreservesOrder},
	{Name: "empty conversation has empty log", Run: emptyLog},
	{Name: "append errors", Run: appendErrors},
	{Name: "delete cascades", Run: deleteCascades},
	{Name: "list by owner newest first", Run: listByOwnerNewestFirst},
	{Name: "rename", Run: rename},
	{Name: "ping", Run: ping},
}

// Run executes every case in Cases against a store from open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()
	for _, tc := range Cases {
		t.Run(tc.Name, func(t *testing.T) {
			tc.Run(t, open(t))
		})
	}
}

func owner() string {
	return "owner-" + uuid.NewString()
}

func appendUpdatesConversation(t *testing.T, s store.Store) {
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, owner(), "Job status")
	require.NoError(t, err)
	assert.Zero(t, conv.MessageCount)

	_, err = s.AppendMessage(ctx, conv.ID, model.RoleUser, "What's the status of job 12345?", nil)
	require.NoError(t, err)

	long := strings.Repeat("x", 150)
	tokens := 42
	reply, err := s.AppendMessage(ctx, conv.ID, model.RoleAssistant, long, &model.MessageMeta{
		TaskID:     "t1",
		AgentsUsed: []string{"erp-lookup"},
		TokensUsed: &tokens,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", reply.TaskID)
	assert.Equal(t, []string{"erp-lookup"}, reply.AgentsUsed)
	require.NotNil(t, reply.TokensUsed)
	assert.Equal(t, 42, *reply.TokensUsed)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, strings.Repeat("x", 100), got.Preview)
	assert.WithinDuration(t, reply.CreatedAt, got.UpdatedAt, time.Millisecond)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "t1", msgs[1].TaskID)
	assert.Equal(t, []string{"erp-lookup"}, msgs[1].AgentsUsed)
	require.NotNil(t, msgs[1].TokensUsed)
	assert.Equal(t, 42, *msgs[1].TokensUsed)
	assert.Empty(t, msgs[0].TaskID)
	assert.Nil(t, msgs[0].TokensUsed)
}

func listMessagesPreservesOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, owner(), "t")
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four", "five"}
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		_, err := s.AppendMessage(ctx, conv.ID, role, c, nil)
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, len(contents))
	for i, msg := range msgs {
		assert.Equal(t, contents[i], msg.Content)
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.NotEmpty(t, msg.ID)
		if i > 0 {
			assert.Greater(t, msg.Sequence, msgs[i-1].Sequence)
		}
	}
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	// Returned slices are copies.
	msgs[0].Content = "mutated"
	again, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", again[0].Content)
}

func emptyLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, owner(), "t")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func appendErrors(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, uuid.NewString(), model.RoleUser, "hi", nil)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	conv, err := s.CreateConversation(ctx, owner(), "t")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, model.Role("system"), "hi", nil)
	assert.True(t, errors.Is(err, store.ErrInvalidRole), "got %v", err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.ListMessages(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	_, err = s.GetConversation(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func deleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	who := owner()
	conv, err := s.CreateConversation(ctx, who, "t")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, model.RoleUser, "hi", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	_, err = s.ListMessages(ctx, conv.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	assert.True(t, errors.Is(s.DeleteConversation(ctx, conv.ID), store.ErrNotFound))

	convs, err := s.ListConversations(ctx, who)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func listByOwnerNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice, bob := owner(), owner()

	older, err := s.CreateConversation(ctx, alice, "older")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.CreateConversation(ctx, alice, "newer")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, bob, "other")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)

	// Appending bumps the older thread to the top.
	time.Sleep(5 * time.Millisecond)
	_, err = s.AppendMessage(ctx, older.ID, model.RoleUser, "ping", nil)
	require.NoError(t, err)
	convs, err = s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, older.ID, convs[0].ID)

	none, err := s.ListConversations(ctx, owner())
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func rename(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, owner(), "before")
	require.NoError(t, err)

	renamed, err := s.RenameConversation(ctx, conv.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", renamed.Title)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)

	_, err = s.RenameConversation(ctx, uuid.NewString(), "x")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func ping(t *testing.T, s store.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
