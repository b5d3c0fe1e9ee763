package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/task-relay/internal/llm"
	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/internal/store/memory"
)

type stubLLM struct {
	reply string
	err   error
	calls int
}

func (s *stubLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.reply}, nil
}

func (s *stubLLM) Name() string { return "stub" }

func TestTitler(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("status ", 20)

	tests := []struct {
		name    string
		titler  *Titler
		message string
		want    string
	}{
		{"nil titler", nil, "Where is job 12345?", "Where is job 12345?"},
		{"no client", NewTitler(nil, "", nil), long, model.TitleFromMessage(long)},
		{"llm title", NewTitler(&stubLLM{reply: "\"Job 12345 Status\"\nextra"}, "", nil), "Where is job 12345?", "Job 12345 Status"},
		{"llm error", NewTitler(&stubLLM{err: errors.New("quota")}, "", nil), "Where is job 12345?", "Where is job 12345?"},
		{"llm empty", NewTitler(&stubLLM{reply: "  "}, "", nil), "hello there", "hello there"},
		{"blank message", NewTitler(&stubLLM{reply: "ignored"}, "", nil), "   ", model.DefaultConversationTitle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.titler.Title(ctx, tt.message))
		})
	}
}

func TestConversationServiceOwnership(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(memory.New(), nil, nil)

	conv, err := svc.Create(ctx, "alice", &model.CreateConversationRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConversationTitle, conv.Title)

	_, err = svc.Get(ctx, "bob", conv.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = svc.Messages(ctx, "bob", conv.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(svc.Delete(ctx, "bob", conv.ID), store.ErrNotFound))

	_, err = svc.Rename(ctx, "alice", conv.ID, &model.UpdateConversationRequest{Title: " "})
	assert.True(t, errors.Is(err, ErrInvalidTitle))

	renamed, err := svc.Rename(ctx, "alice", conv.ID, &model.UpdateConversationRequest{Title: "Inventory"})
	require.NoError(t, err)
	assert.Equal(t, "Inventory", renamed.Title)

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	require.NoError(t, svc.Delete(ctx, "alice", conv.ID))
	list, err = svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	stub := &stubLLM{reply: "Job 12345 Status"}
	svc := NewConversationService(memory.New(), NewTitler(stub, "", nil), nil)

	conv, err := svc.Resolve(ctx, "alice", "", "What's the status of job 12345?")
	require.NoError(t, err)
	assert.Equal(t, "Job 12345 Status", conv.Title)
	assert.Equal(t, "alice", conv.OwnerID)

	again, err := svc.Resolve(ctx, "alice", conv.ID, "follow-up")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, 1, stub.calls)

	_, err = svc.Resolve(ctx, "bob", conv.ID, "intrude")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
