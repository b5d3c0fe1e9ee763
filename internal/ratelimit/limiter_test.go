package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestAdmitBoundary(t *testing.T) {
	clock := newClock()
	l := New(30, time.Hour, WithClock(clock.Now))

	for i := 1; i <= 30; i++ {
		require.NoError(t, l.Admit("dev-user"), "call %d should be admitted", i)
	}

	err := l.Admit("dev-user")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdmissionDenied))

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, 30, denied.Limit)
	assert.Equal(t, time.Hour, denied.RetryAfter)
}

func TestAdmitResetsAfterWindow(t *testing.T) {
	clock := newClock()
	l := New(30, time.Hour, WithClock(clock.Now))

	for i := 0; i < 31; i++ {
		l.Admit("u")
	}
	require.Error(t, l.Admit("u"))

	// Exactly at resetAt the window is still current.
	clock.Advance(time.Hour)
	require.Error(t, l.Admit("u"))

	clock.Advance(time.Millisecond)
	require.NoError(t, l.Admit("u"))

	w, ok := l.Peek("u")
	require.True(t, ok)
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, clock.Now().Add(time.Hour), w.ResetAt)
}

func TestAdmitIsPerUser(t *testing.T) {
	l := New(2, time.Hour)

	require.NoError(t, l.Admit("alice"))
	require.NoError(t, l.Admit("alice"))
	require.Error(t, l.Admit("alice"))

	require.NoError(t, l.Admit("bob"))
}

func TestAdmitConcurrent(t *testing.T) {
	l := New(30, time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, admitted)
}

func TestPrune(t *testing.T) {
	clock := newClock()
	l := New(5, time.Minute, WithClock(clock.Now))

	l.Admit("a")
	clock.Advance(30 * time.Second)
	l.Admit("b")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, l.Prune())
	_, ok := l.Peek("a")
	assert.False(t, ok)
	_, ok = l.Peek("b")
	assert.True(t, ok)
}

func TestNewDefaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.window)
}
