package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// TaskFetcher is the subset of the client the poller needs.
type TaskFetcher interface {
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
	Result(ctx context.Context, taskID string) (*TaskStatus, error)
}

// UpdateFunc observes every status fetched while polling.
type UpdateFunc func(status *TaskStatus)

// PollerConfig tunes the poll loop.
type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *logger.Logger
}

// Poller drives an asynchronous task to a terminal state.
type Poller struct {
	fetcher  TaskFetcher
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger
}

// NewPoller creates a poller over fetcher.
func NewPoller(fetcher TaskFetcher, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	return &Poller{
		fetcher:  fetcher,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger.OrNop(cfg.Logger).Component("task_poller"),
	}
}

// PollUntilComplete polls the task status until it completes, fails, the timeout
// elapses or ctx is cancelled. onUpdate is called for every fetched status, even
// when nothing changed. On completion the full result is fetched once and returned.
//
// Errors: *TaskFailedError, ErrTaskTimedOut, ErrCancelled, or the fetch error.
func (p *Poller) PollUntilComplete(ctx context.Context, taskID string, onUpdate UpdateFunc) (*TaskStatus, error) {
	start := time.Now()
	deadlineCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.logger.With(zap.String("task_id", taskID))

	// interrupted classifies why deadlineCtx ended.
	interrupted := func(cause error) error {
		if ctx.Err() != nil {
			metrics.RecordTaskWait("cancelled", time.Since(start).Seconds())
			return fmt.Errorf("%w: polling task %s", ErrCancelled, taskID)
		}
		metrics.RecordTaskWait("timeout", time.Since(start).Seconds())
		log.Warn("task polling timed out", zap.Duration("timeout", p.timeout), zap.NamedError("cause", cause))
		return &TimeoutError{TaskID: taskID, After: p.timeout.String()}
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if deadlineCtx.Err() != nil {
			return nil, interrupted(nil)
		}

		status, err := p.fetcher.Status(deadlineCtx, taskID)
		if err != nil {
			if deadlineCtx.Err() != nil {
				return nil, interrupted(err)
			}
			metrics.RecordTaskWait("error", time.Since(start).Seconds())
			return nil, err
		}
		metrics.TaskPollsTotal.WithLabelValues(string(status.Status)).Inc()

		if onUpdate != nil {
			onUpdate(status)
		}

		switch status.Status {
		case TaskCompleted:
			if ctx.Err() != nil {
				return nil, interrupted(nil)
			}
			result, err := p.fetcher.Result(deadlineCtx, taskID)
			if err != nil {
				if deadlineCtx.Err() != nil {
					return nil, interrupted(err)
				}
				metrics.RecordTaskWait("error", time.Since(start).Seconds())
				return nil, err
			}
			metrics.RecordTaskWait("completed", time.Since(start).Seconds())
			log.Debug("task completed", zap.Duration("waited", time.Since(start)))
			return result, nil

		case TaskFailed:
			reason := status.Error
			if reason == "" {
				reason = "task failed"
			}
			metrics.RecordTaskWait("failed", time.Since(start).Seconds())
			return nil, &TaskFailedError{TaskID: taskID, Reason: reason}
		}

		timer.Reset(p.interval)
		select {
		case <-deadlineCtx.Done():
			return nil, interrupted(nil)
		case <-timer.C:
		}
	}
}
