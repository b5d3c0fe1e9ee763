package relay

import (
	"context"
	"sync"
)

// Tracker holds the cancel function of the active turn of each conversation.
// Starting a turn cancels the one it supersedes.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*trackedTurn
}

type trackedTurn struct {
	cancel context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*trackedTurn)}
}

// Track derives a context for a new turn on conversationID, cancelling the
// previous turn on the same conversation. The returned release func must be
// called when the turn ends; it only clears the entry if no newer turn has
// replaced it.
func (t *Tracker) Track(ctx context.Context, conversationID string) (context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)
	turn := &trackedTurn{cancel: cancel}

	t.mu.Lock()
	if prev, ok := t.active[conversationID]; ok {
		prev.cancel()
	}
	t.active[conversationID] = turn
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if t.active[conversationID] == turn {
			delete(t.active, conversationID)
		}
		t.mu.Unlock()
		cancel()
	}
	return turnCtx, release
}

// Active returns the number of conversations with a turn in flight.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
