// Package ratelimit implements fixed-window per-user admission control for chat turns.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Hour
)

// ErrAdmissionDenied matches any *DeniedError.
var ErrAdmissionDenied = errors.New("admission denied")

// DeniedError is returned when a user has exhausted the current window.
type DeniedError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit of %d turns exceeded for %s, retry in %s", e.Limit, e.Key, e.RetryAfter.Round(time.Second))
}

// Is implements error matching.
func (e *DeniedError) Is(target error) bool {
	return target == ErrAdmissionDenied
}

// Window is the per-key counter state.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Limiter admits at most limit calls per key in each window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter. Non-positive arguments fall back to 30 per hour.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*Window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records one call for key and returns a *DeniedError once the window is exhausted.
func (l *Limiter) Admit(key string) error {
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || now.After(w.ResetAt) {
		l.windows[key] = &Window{Count: 1, ResetAt: now.Add(l.window)}
		l.mu.Unlock()
		metrics.RecordAdmission(true)
		return nil
	}

	w.Count++
	count, resetAt := w.Count, w.ResetAt
	l.mu.Unlock()

	if count <= l.limit {
		metrics.RecordAdmission(true)
		return nil
	}

	metrics.RecordAdmission(false)
	return &DeniedError{Key: key, Limit: l.limit, RetryAfter: resetAt.Sub(now)}
}

// Peek returns a copy of the window for key.
func (l *Limiter) Peek(key string) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Prune drops expired windows and returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.ResetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes expired windows every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
