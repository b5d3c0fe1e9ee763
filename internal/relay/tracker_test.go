package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerSupersedesTurnOnSameConversation(t *testing.T) {
	tracker := NewTracker()

	first, releaseFirst := tracker.Track(context.Background(), "conv-1")
	other, releaseOther := tracker.Track(context.Background(), "conv-2")
	defer releaseOther()
	assert.Equal(t, 2, tracker.Active())

	second, releaseSecond := tracker.Track(context.Background(), "conv-1")

	require.Error(t, first.Err())
	assert.NoError(t, second.Err())
	assert.NoError(t, other.Err())

	// Releasing the superseded turn leaves the newer one registered.
	releaseFirst()
	assert.Equal(t, 2, tracker.Active())

	releaseSecond()
	assert.Error(t, second.Err())
	assert.Equal(t, 1, tracker.Active())
}

func TestTrackerFollowsParentContext(t *testing.T) {
	tracker := NewTracker()
	parent, cancel := context.WithCancel(context.Background())

	ctx, release := tracker.Track(parent, "conv-1")
	defer release()

	cancel()
	assert.Error(t, ctx.Err())
}
