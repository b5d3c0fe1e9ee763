package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
	"github.com/capitalize-ai/task-relay/pkg/tracing"
)

// Session is one admitted turn. Run it exactly once.
type Session struct {
	relay        *Relay
	conversation *model.Conversation
	userMessage  *model.Message
	instruction  string
	history      []orchestrator.ConversationTurn
	logger       *logger.Logger

	mu     sync.Mutex
	state  State
	path   string
	taskID string
}

// Conversation returns the conversation the turn was appended to.
func (s *Session) Conversation() *model.Conversation {
	return s.conversation
}

// UserMessage returns the persisted user message.
func (s *Session) UserMessage() *model.Message {
	return s.userMessage
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("relay state", zap.String("state", string(state)))
}

// Run submits the turn, streams the answer to out and appends the assistant
// message. out is closed when Run returns. Sends block until the consumer
// reads them or ctx is done.
//
// Run returns nil on success. On failure it returns the cause after an error
// event and the fallback message have been written. On cancellation nothing
// is persisted and an error matching orchestrator.ErrCancelled is returned.
// A ctx deadline is not a cancellation: it ends the turn as a timeout failure.
func (s *Session) Run(ctx context.Context, out chan<- model.StreamEvent) error {
	defer close(out)

	ctx, span := tracing.Tracer("relay").Start(ctx, "relay.session")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", s.conversation.ID))

	em := &emitter{ctx: ctx, out: out}
	s.path = pathNone

	final, err := s.obtain(ctx, em)
	if err == nil {
		err = s.stream(ctx, em, final)
	}
	if err == nil && errors.Is(ctx.Err(), context.Canceled) {
		err = ctx.Err()
	}

	if err != nil {
		if isCancellation(ctx, err) {
			s.setState(StateClosed)
			metrics.RecordRelaySession(s.path, outcomeCancelled)
			span.SetAttributes(attribute.Bool("relay.cancelled", true))
			s.logger.Info("relay session cancelled", zap.String("path", s.path), zap.String("task_id", s.taskID))
			if !orchestrator.IsCancelled(err) {
				err = fmt.Errorf("%w: %w", orchestrator.ErrCancelled, err)
			}
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The consumer is still reading; give the error and [DONE] a bounded window.
			err = fmt.Errorf("%w: %w", orchestrator.ErrTaskTimedOut, ctx.Err())
			tailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.relay.persistTimeout)
			defer cancel()
			em = &emitter{ctx: tailCtx, out: out, lastAgents: em.lastAgents}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(ctx, em, err)
	}

	content := final.Result
	if content == "" {
		content = EmptyResultMessage
	}
	if _, err := s.persist(ctx, content, &model.MessageMeta{
		TaskID:     s.finalTaskID(final),
		AgentsUsed: final.AgentsUsed,
		TokensUsed: final.TokensUsed,
	}); err != nil {
		span.RecordError(err)
		s.logger.Error("failed to save assistant message", zap.Error(err))
		s.setState(StateErrored)
		em.send(model.DoneEvent())
		s.setState(StateClosed)
		metrics.RecordRelaySession(s.path, outcomeFailed)
		return err
	}
	s.setState(StatePersisted)

	em.send(model.DoneEvent())
	s.setState(StateClosed)
	metrics.RecordRelaySession(s.path, outcomeSuccess)
	s.logger.Info("relay session completed",
		zap.String("path", s.path),
		zap.String("task_id", s.finalTaskID(final)),
		zap.Int("result_length", len(final.Result)),
	)
	return nil
}

// obtain submits the instruction and, when the orchestrator answers with a
// task handle, polls it to completion.
func (s *Session) obtain(ctx context.Context, em *emitter) (*orchestrator.TaskStatus, error) {
	s.setState(StateSubmitted)

	status, err := s.relay.submitter.Submit(ctx, s.instruction, map[string]any{
		"conversation_history": s.history,
	})
	if err != nil {
		return nil, err
	}
	s.taskID = status.TaskID

	switch {
	case status.Immediate():
		s.path = pathImmediate
		s.setState(StateImmediate)
		if err := em.agents(status.AgentsUsed); err != nil {
			return nil, err
		}
		return status, nil

	case status.Status == orchestrator.TaskFailed:
		reason := status.Error
		if reason == "" {
			reason = "task failed"
		}
		return nil, &orchestrator.TaskFailedError{TaskID: status.TaskID, Reason: reason}

	case status.TaskID != "":
		s.path = pathPolled
		s.setState(StatePolling)
		final, err := s.relay.poller.PollUntilComplete(ctx, status.TaskID, func(update *orchestrator.TaskStatus) {
			// A failed send means ctx is done; the poller notices on its own.
			_ = em.agents(update.AgentsUsed)
		})
		if err != nil {
			return nil, err
		}
		if err := em.agents(final.AgentsUsed); err != nil {
			return nil, err
		}
		return final, nil

	default:
		return nil, fmt.Errorf("%w: status %q without result or task id", orchestrator.ErrMalformedResponse, status.Status)
	}
}

// stream emits the result as content slices followed by the meta event.
func (s *Session) stream(ctx context.Context, em *emitter, final *orchestrator.TaskStatus) error {
	s.setState(StateChunking)

	for i, slice := range Chunk(final.Result, s.relay.chunkSize) {
		if i > 0 && s.relay.chunkDelay > 0 {
			if err := sleep(ctx, s.relay.chunkDelay); err != nil {
				return err
			}
		}
		if err := em.send(model.ContentEvent(slice)); err != nil {
			return err
		}
	}

	return em.send(model.StreamEvent{
		Type:       model.EventTypeMeta,
		TaskID:     s.finalTaskID(final),
		AgentsUsed: final.AgentsUsed,
		TokensUsed: final.TokensUsed,
	})
}

// fail reports cause to the client and answers the turn with the fallback text.
func (s *Session) fail(ctx context.Context, em *emitter, cause error) error {
	s.setState(StateErrored)
	s.logger.Warn("relay session failed",
		zap.String("path", s.path),
		zap.String("task_id", s.taskID),
		zap.Error(cause),
	)

	em.send(model.ErrorStreamEvent(cause.Error()))

	var meta *model.MessageMeta
	if s.taskID != "" {
		meta = &model.MessageMeta{TaskID: s.taskID}
	}
	if _, err := s.persist(ctx, FallbackMessage, meta); err != nil {
		s.logger.Error("failed to save fallback message", zap.Error(err))
	}

	em.send(model.DoneEvent())
	s.setState(StateClosed)
	metrics.RecordRelaySession(s.path, outcomeFailed)
	return cause
}

// persist appends the assistant message. The write is detached from ctx so a
// cancellation racing the write cannot leave it half done.
func (s *Session) persist(ctx context.Context, content string, meta *model.MessageMeta) (*model.Message, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.relay.persistTimeout)
	defer cancel()

	msg, err := s.relay.store.AppendMessage(persistCtx, s.conversation.ID, model.RoleAssistant, content, meta)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	return msg, nil
}

func (s *Session) finalTaskID(final *orchestrator.TaskStatus) string {
	if final.TaskID != "" {
		return final.TaskID
	}
	return s.taskID
}

// isCancellation reports whether the turn ended because the caller aborted it.
// A context deadline is a failure, not an abort.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	return orchestrator.IsCancelled(err) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// emitter delivers events to the consumer without outliving ctx.
type emitter struct {
	ctx        context.Context
	out        chan<- model.StreamEvent
	lastAgents []string
}

func (e *emitter) send(event model.StreamEvent) error {
	if err := e.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrCancelled, err)
	}
	select {
	case e.out <- event:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("%w: %w", orchestrator.ErrCancelled, e.ctx.Err())
	}
}

// agents emits an agents event when the set differs from the last one sent.
func (e *emitter) agents(agents []string) error {
	if len(agents) == 0 || slices.Equal(agents, e.lastAgents) {
		return nil
	}
	e.lastAgents = slices.Clone(agents)
	return e.send(model.AgentsEvent(agents))
}

// Chunk splits text into slices of at most size characters.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	parts := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", orchestrator.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
