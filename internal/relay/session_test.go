package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/internal/ratelimit"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/internal/store/memory"
)

const testUser = "dev-user"

type submitFunc func(ctx context.Context, instruction string, taskContext map[string]any) (*orchestrator.TaskStatus, error)

func (f submitFunc) Submit(ctx context.Context, instruction string, taskContext map[string]any) (*orchestrator.TaskStatus, error) {
	return f(ctx, instruction, taskContext)
}

func returns(status orchestrator.TaskStatus) submitFunc {
	return func(context.Context, string, map[string]any) (*orchestrator.TaskStatus, error) {
		s := status
		return &s, nil
	}
}

func failsWith(err error) submitFunc {
	return func(context.Context, string, map[string]any) (*orchestrator.TaskStatus, error) {
		return nil, err
	}
}

// taskFetcher replays statuses, repeating the last one.
type taskFetcher struct {
	mu       sync.Mutex
	statuses []orchestrator.TaskStatus
	result   orchestrator.TaskStatus
	calls    int
}

func (f *taskFetcher) Status(ctx context.Context, taskID string) (*orchestrator.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := min(f.calls, len(f.statuses)-1)
	f.calls++
	s := f.statuses[idx]
	s.TaskID = taskID
	return &s, nil
}

func (f *taskFetcher) Result(ctx context.Context, taskID string) (*orchestrator.TaskStatus, error) {
	r := f.result
	r.TaskID = taskID
	return &r, nil
}

func (f *taskFetcher) statusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store *memory.Store
	relay *Relay
}

func newHarness(t *testing.T, sub Submitter, fetcher orchestrator.TaskFetcher, opts ...func(*Config)) *harness {
	t.Helper()
	st := memory.New()
	cfg := Config{
		Store:      st,
		Submitter:  sub,
		Poller:     orchestrator.NewPoller(fetcher, orchestrator.PollerConfig{Interval: 5 * time.Millisecond, Timeout: time.Second}),
		Limiter:    ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		ChunkDelay: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{store: st, relay: New(cfg)}
}

// run drives the session to completion, draining every event.
func run(ctx context.Context, sess *Session, onEvent func(model.StreamEvent)) ([]model.StreamEvent, error) {
	out := make(chan model.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx, out) }()

	var events []model.StreamEvent
	for ev := range out {
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return events, <-errCh
}

func ofType(events []model.StreamEvent, typ model.EventType) []model.StreamEvent {
	var matched []model.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			matched = append(matched, ev)
		}
	}
	return matched
}

func reassemble(events []model.StreamEvent) string {
	var b strings.Builder
	for _, ev := range ofType(events, model.EventTypeContent) {
		b.WriteString(ev.Content)
	}
	return b.String()
}

func (h *harness) messages(t *testing.T, conversationID string) []model.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	return msgs
}

func intPtr(n int) *int { return &n }

func TestImmediateJobStatus(t *testing.T) {
	const result = "Job 12345 is in production, 60% complete."
	h := newHarness(t, returns(orchestrator.TaskStatus{
		TaskID:     "t1",
		Status:     orchestrator.TaskCompleted,
		Result:     result,
		AgentsUsed: []string{"erp-lookup"},
		TokensUsed: intPtr(42),
	}), nil)

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "What's the status of job 12345?"})
	require.NoError(t, err)
	assert.Equal(t, StateAdmitted, sess.State())

	events, err := run(context.Background(), sess, nil)
	require.NoError(t, err)

	assert.Equal(t, result, reassemble(events))

	agents := ofType(events, model.EventTypeAgents)
	require.Len(t, agents, 1)
	assert.Equal(t, []string{"erp-lookup"}, agents[0].Agents)

	meta := ofType(events, model.EventTypeMeta)
	require.Len(t, meta, 1)
	assert.Equal(t, "t1", meta[0].TaskID)
	assert.Equal(t, []string{"erp-lookup"}, meta[0].AgentsUsed)
	require.NotNil(t, meta[0].TokensUsed)
	assert.Equal(t, 42, *meta[0].TokensUsed)

	assert.Empty(t, ofType(events, model.EventTypeError))
	assert.Equal(t, model.EventTypeDone, events[len(events)-1].Type)
	assert.Equal(t, StateClosed, sess.State())

	msgs := h.messages(t, sess.Conversation().ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "What's the status of job 12345?", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, result, msgs[1].Content)
	assert.Equal(t, "t1", msgs[1].TaskID)
	require.NotNil(t, msgs[1].TokensUsed)
	assert.Equal(t, 42, *msgs[1].TokensUsed)
}

func TestChunkReassembly(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"one", "x"},
		{"exact", strings.Repeat("a", 50)},
		{"one over", strings.Repeat("b", 51)},
		{"uneven", strings.Repeat("0123456789", 13) + "abcdefg"},
		{"multibyte", strings.Repeat("é✓", 37)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &taskFetcher{
				statuses: []orchestrator.TaskStatus{{Status: orchestrator.TaskCompleted}},
				result:   orchestrator.TaskStatus{Status: orchestrator.TaskCompleted, Result: tt.text},
			}
			h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "t1", Status: orchestrator.TaskPending}), fetcher)

			sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "go"})
			require.NoError(t, err)
			events, err := run(context.Background(), sess, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.text, reassemble(events))

			runes := utf8.RuneCountInString(tt.text)
			content := ofType(events, model.EventTypeContent)
			assert.Len(t, content, (runes+DefaultChunkSize-1)/DefaultChunkSize)
			for _, ev := range content {
				assert.LessOrEqual(t, utf8.RuneCountInString(ev.Content), DefaultChunkSize)
			}
			assert.Len(t, ofType(events, model.EventTypeMeta), 1)

			want := tt.text
			if want == "" {
				want = EmptyResultMessage
			}
			msgs := h.messages(t, sess.Conversation().ID)
			require.Len(t, msgs, 2)
			assert.Equal(t, want, msgs[1].Content)
		})
	}
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("", 50))
	assert.Equal(t, []string{"abc"}, Chunk("abc", 0))
	assert.Equal(t, []string{"ab", "cd", "e"}, Chunk("abcde", 2))
	assert.Equal(t, []string{"éé", "é"}, Chunk("ééé", 2))
}

func TestPolledSuccessForwardsAgentChanges(t *testing.T) {
	fetcher := &taskFetcher{
		statuses: []orchestrator.TaskStatus{
			{Status: orchestrator.TaskPending},
			{Status: orchestrator.TaskRunning, AgentsUsed: []string{"erp-lookup"}},
			{Status: orchestrator.TaskRunning, AgentsUsed: []string{"erp-lookup"}},
			{Status: orchestrator.TaskRunning, AgentsUsed: []string{"erp-lookup", "inventory"}},
			{Status: orchestrator.TaskCompleted, AgentsUsed: []string{"erp-lookup", "inventory"}},
		},
		result: orchestrator.TaskStatus{
			Status:     orchestrator.TaskCompleted,
			Result:     "Two pallets on hand.",
			AgentsUsed: []string{"erp-lookup", "inventory"},
			TokensUsed: intPtr(7),
		},
	}
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "job-9", Status: orchestrator.TaskPending}), fetcher)

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "stock?"})
	require.NoError(t, err)
	events, err := run(context.Background(), sess, nil)
	require.NoError(t, err)

	agents := ofType(events, model.EventTypeAgents)
	require.Len(t, agents, 2)
	assert.Equal(t, []string{"erp-lookup"}, agents[0].Agents)
	assert.Equal(t, []string{"erp-lookup", "inventory"}, agents[1].Agents)

	// Agent events precede the final text.
	assert.Equal(t, model.EventTypeAgents, events[0].Type)
	assert.Equal(t, "Two pallets on hand.", reassemble(events))

	meta := ofType(events, model.EventTypeMeta)
	require.Len(t, meta, 1)
	assert.Equal(t, "job-9", meta[0].TaskID)

	msgs := h.messages(t, sess.Conversation().ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "job-9", msgs[1].TaskID)
	assert.Equal(t, []string{"erp-lookup", "inventory"}, msgs[1].AgentsUsed)
	require.NotNil(t, msgs[1].TokensUsed)
	assert.Equal(t, 7, *msgs[1].TokensUsed)
}

func TestFailuresAnswerWithFallback(t *testing.T) {
	tests := []struct {
		name      string
		submitter Submitter
		fetcher   *taskFetcher
		timeout   time.Duration
		wantErr   error
		wantText  string
	}{
		{
			name:      "orchestrator unavailable",
			submitter: failsWith(&orchestrator.UnavailableError{Endpoint: "execute", StatusCode: 502, Body: "bad gateway"}),
			wantErr:   orchestrator.ErrUnavailable,
			wantText:  "orchestrator error 502: bad gateway",
		},
		{
			name:      "polled task failed",
			submitter: returns(orchestrator.TaskStatus{TaskID: "t2", Status: orchestrator.TaskRunning}),
			fetcher: &taskFetcher{statuses: []orchestrator.TaskStatus{
				{Status: orchestrator.TaskRunning},
				{Status: orchestrator.TaskFailed, Error: "no parts matched"},
			}},
			wantErr:  orchestrator.ErrTaskFailed,
			wantText: "no parts matched",
		},
		{
			name:      "submit reports failure",
			submitter: returns(orchestrator.TaskStatus{TaskID: "t3", Status: orchestrator.TaskFailed, Error: "bad instruction"}),
			wantErr:   orchestrator.ErrTaskFailed,
			wantText:  "bad instruction",
		},
		{
			name:      "poll timeout",
			submitter: returns(orchestrator.TaskStatus{TaskID: "t4", Status: orchestrator.TaskPending}),
			fetcher:   &taskFetcher{statuses: []orchestrator.TaskStatus{{Status: orchestrator.TaskPending}}},
			timeout:   30 * time.Millisecond,
			wantErr:   orchestrator.ErrTaskTimedOut,
		},
		{
			name:      "no result and no task id",
			submitter: returns(orchestrator.TaskStatus{Status: orchestrator.TaskPending}),
			wantErr:   orchestrator.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fetcher orchestrator.TaskFetcher
			if tt.fetcher != nil {
				fetcher = tt.fetcher
			}
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			h := newHarness(t, tt.submitter, nil, func(cfg *Config) {
				cfg.Poller = orchestrator.NewPoller(fetcher, orchestrator.PollerConfig{Interval: 5 * time.Millisecond, Timeout: timeout})
			})

			sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "hello"})
			require.NoError(t, err)
			events, err := run(context.Background(), sess, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, orchestrator.IsCancelled(err))

			errs := ofType(events, model.EventTypeError)
			require.Len(t, errs, 1)
			assert.NotEmpty(t, errs[0].Error)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, errs[0].Error)
			}
			assert.Empty(t, ofType(events, model.EventTypeContent))
			assert.Empty(t, ofType(events, model.EventTypeMeta))
			assert.Equal(t, model.EventTypeDone, events[len(events)-1].Type)
			assert.Equal(t, StateClosed, sess.State())

			msgs := h.messages(t, sess.Conversation().ID)
			require.Len(t, msgs, 2)
			assert.Equal(t, model.RoleAssistant, msgs[1].Role)
			assert.Equal(t, FallbackMessage, msgs[1].Content)
		})
	}
}

func TestCancelledWhilePollingPersistsNothing(t *testing.T) {
	fetcher := &taskFetcher{statuses: []orchestrator.TaskStatus{
		{Status: orchestrator.TaskRunning, AgentsUsed: []string{"erp-lookup"}},
	}}
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "t5", Status: orchestrator.TaskPending}), nil, func(cfg *Config) {
		cfg.Poller = orchestrator.NewPoller(fetcher, orchestrator.PollerConfig{Interval: time.Hour, Timeout: 2 * time.Hour})
	})

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "slow one"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	events, err := run(ctx, sess, func(ev model.StreamEvent) {
		if ev.Type == model.EventTypeAgents {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, orchestrator.IsCancelled(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 1, fetcher.statusCalls())
	assert.Empty(t, ofType(events, model.EventTypeError))
	assert.Empty(t, ofType(events, model.EventTypeContent))

	msgs := h.messages(t, sess.Conversation().ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestCancelledWhileChunkingPersistsNothing(t *testing.T) {
	h := newHarness(t, returns(orchestrator.TaskStatus{
		TaskID: "t6",
		Status: orchestrator.TaskCompleted,
		Result: strings.Repeat("long answer ", 30),
	}), nil, func(cfg *Config) {
		cfg.ChunkDelay = time.Hour
	})

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "tell me everything"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := run(ctx, sess, func(ev model.StreamEvent) {
		if ev.Type == model.EventTypeContent {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, orchestrator.IsCancelled(err))
	assert.Len(t, ofType(events, model.EventTypeContent), 1)
	assert.Empty(t, ofType(events, model.EventTypeMeta))

	msgs := h.messages(t, sess.Conversation().ID)
	assert.Len(t, msgs, 1)
}

func TestExactlyOneAnswerPerTurn(t *testing.T) {
	completed := &taskFetcher{
		statuses: []orchestrator.TaskStatus{{Status: orchestrator.TaskCompleted}},
		result:   orchestrator.TaskStatus{Status: orchestrator.TaskCompleted, Result: "done"},
	}
	failed := &taskFetcher{statuses: []orchestrator.TaskStatus{{Status: orchestrator.TaskFailed, Error: "nope"}}}
	pending := &taskFetcher{statuses: []orchestrator.TaskStatus{{Status: orchestrator.TaskPending}}}

	tests := []struct {
		name       string
		submitter  Submitter
		fetcher    orchestrator.TaskFetcher
		cancelled  bool
		assistants int
	}{
		{"immediate", returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil, false, 1},
		{"polled", returns(orchestrator.TaskStatus{TaskID: "b", Status: orchestrator.TaskPending}), completed, false, 1},
		{"polled failure", returns(orchestrator.TaskStatus{TaskID: "c", Status: orchestrator.TaskPending}), failed, false, 1},
		{"transport", failsWith(&orchestrator.UnavailableError{Endpoint: "execute", Err: errors.New("connection refused")}), nil, false, 1},
		{"timeout", returns(orchestrator.TaskStatus{TaskID: "d", Status: orchestrator.TaskPending}), pending, false, 1},
		{"cancelled", returns(orchestrator.TaskStatus{TaskID: "e", Status: orchestrator.TaskPending}), pending, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.submitter, nil, func(cfg *Config) {
				cfg.Poller = orchestrator.NewPoller(tt.fetcher, orchestrator.PollerConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
			})

			sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "turn"})
			require.NoError(t, err)

			ctx := context.Background()
			if tt.cancelled {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				cancel()
			}
			run(ctx, sess, nil)

			var users, assistants int
			for _, m := range h.messages(t, sess.Conversation().ID) {
				switch m.Role {
				case model.RoleUser:
					users++
				case model.RoleAssistant:
					assistants++
				}
			}
			assert.Equal(t, 1, users)
			assert.Equal(t, tt.assistants, assistants)
		})
	}
}

func TestAdmissionDeniedWritesNothing(t *testing.T) {
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(1, time.Hour)
	})
	ctx := context.Background()

	sess, err := h.relay.Begin(ctx, Turn{UserID: testUser, Message: "first"})
	require.NoError(t, err)
	_, err = run(ctx, sess, nil)
	require.NoError(t, err)

	_, err = h.relay.Begin(ctx, Turn{UserID: testUser, ConversationID: sess.Conversation().ID, Message: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrAdmissionDenied))

	_, err = h.relay.Begin(ctx, Turn{UserID: testUser, Message: "third, new thread"})
	assert.True(t, errors.Is(err, ratelimit.ErrAdmissionDenied))

	assert.Len(t, h.messages(t, sess.Conversation().ID), 2)
	convs, err := h.store.ListConversations(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestContextCarriesLastTenMessages(t *testing.T) {
	var captured []orchestrator.ConversationTurn
	var instruction string
	h := newHarness(t, submitFunc(func(_ context.Context, in string, taskContext map[string]any) (*orchestrator.TaskStatus, error) {
		instruction = in
		captured, _ = taskContext["conversation_history"].([]orchestrator.ConversationTurn)
		return &orchestrator.TaskStatus{TaskID: "ctx", Status: orchestrator.TaskCompleted, Result: "ok"}, nil
	}), nil)
	ctx := context.Background()

	conv, err := h.store.CreateConversation(ctx, testUser, "history")
	require.NoError(t, err)
	for i := 0; i < 13; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		_, err := h.store.AppendMessage(ctx, conv.ID, role, strings.Repeat("m", i+1), nil)
		require.NoError(t, err)
	}

	sess, err := h.relay.Begin(ctx, Turn{UserID: testUser, ConversationID: conv.ID, Message: "latest"})
	require.NoError(t, err)
	_, err = run(ctx, sess, nil)
	require.NoError(t, err)

	assert.Equal(t, "latest", instruction)
	require.Len(t, captured, DefaultContextTurns)
	assert.Equal(t, strings.Repeat("m", 5), captured[0].Content)
	assert.Equal(t, orchestrator.ConversationTurn{Role: "user", Content: "latest"}, captured[len(captured)-1])
}

func TestBeginRejectsForeignAndBlankTurns(t *testing.T) {
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil)
	ctx := context.Background()

	conv, err := h.store.CreateConversation(ctx, "someone-else", "private")
	require.NoError(t, err)

	_, err = h.relay.Begin(ctx, Turn{UserID: testUser, ConversationID: conv.ID, Message: "peek"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Empty(t, h.messages(t, conv.ID))

	_, err = h.relay.Begin(ctx, Turn{UserID: testUser, Message: "   "})
	assert.True(t, errors.Is(err, ErrEmptyMessage))
}

func TestBeginTitlesNewConversation(t *testing.T) {
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil)

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: strings.Repeat("w", 80)})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("w", model.MaxTitleLength), sess.Conversation().Title)
	assert.Equal(t, testUser, sess.Conversation().OwnerID)
}

// unreadableHistory fails every message-log read.
type unreadableHistory struct {
	*memory.Store
}

func (unreadableHistory) ListMessages(context.Context, string) ([]model.Message, error) {
	return nil, errors.New("store read timeout")
}

func TestHistoryReadFailureLeavesNoUnansweredTurn(t *testing.T) {
	var st *memory.Store
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil, func(cfg *Config) {
		st = cfg.Store.(*memory.Store)
		cfg.Store = unreadableHistory{Store: st}
	})
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, testUser, "history")
	require.NoError(t, err)

	_, err = h.relay.Begin(ctx, Turn{UserID: testUser, ConversationID: conv.ID, Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store read timeout")

	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeadlineAnswersWithFallback(t *testing.T) {
	fetcher := &taskFetcher{statuses: []orchestrator.TaskStatus{
		{Status: orchestrator.TaskRunning},
	}}
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "t1", Status: orchestrator.TaskPending}), nil, func(cfg *Config) {
		cfg.Poller = orchestrator.NewPoller(fetcher, orchestrator.PollerConfig{Interval: 5 * time.Millisecond, Timeout: time.Minute})
	})

	sess, err := h.relay.Begin(context.Background(), Turn{UserID: testUser, Message: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	events, err := run(ctx, sess, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orchestrator.ErrTaskTimedOut))
	assert.False(t, orchestrator.IsCancelled(err))

	require.Len(t, ofType(events, model.EventTypeError), 1)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventTypeDone, events[len(events)-1].Type)

	msgs := h.messages(t, sess.Conversation().ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, FallbackMessage, msgs[1].Content)
	assert.Equal(t, StateClosed, sess.State())
}

func TestMissingConversationCostsNoAdmission(t *testing.T) {
	h := newHarness(t, returns(orchestrator.TaskStatus{TaskID: "a", Status: orchestrator.TaskCompleted, Result: "ok"}), nil, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(1, time.Hour)
	})
	ctx := context.Background()

	other, err := h.store.CreateConversation(ctx, "someone-else", "private")
	require.NoError(t, err)

	for _, id := range []string{"0190a5b4-0000-7000-8000-000000000000", other.ID} {
		_, err = h.relay.Begin(ctx, Turn{UserID: testUser, ConversationID: id, Message: "hello?"})
		assert.True(t, errors.Is(err, store.ErrNotFound))
	}

	sess, err := h.relay.Begin(ctx, Turn{UserID: testUser, Message: "still allowed"})
	require.NoError(t, err)
	_, err = run(ctx, sess, nil)
	require.NoError(t, err)
}
