package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsBoundConcurrency(t *testing.T) {
	slots := NewSlots(2)
	ctx := context.Background()

	require.NoError(t, slots.Acquire(ctx))
	require.NoError(t, slots.Acquire(ctx))

	// Third acquire must block until a release
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slots.Acquire(blocked), context.DeadlineExceeded)

	slots.Release()
	require.NoError(t, slots.Acquire(ctx))
}

func TestSlotsAcquireCancelled(t *testing.T) {
	slots := NewSlots(1)
	require.NoError(t, slots.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, slots.Acquire(ctx), context.Canceled)
}

func TestSlotsMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewSlots(0).Cap())
	assert.Equal(t, 1, NewSlots(-3).Cap())
}

func TestSpeedTrackerMovingAverage(t *testing.T) {
	tracker := NewSpeedTracker(4)

	// Deterministic clock: one chunk every 100ms
	base := time.Now()
	tick := 0
	tracker.now = func() time.Time {
		ts := base.Add(time.Duration(tick) * 100 * time.Millisecond)
		tick++
		return ts
	}

	// 1000 bytes every 100ms => 10000 bytes/sec
	for i := 0; i < 4; i++ {
		tracker.Record(1000)
	}

	assert.InDelta(t, 10000, tracker.Speed(), 1)
}

func TestSpeedTrackerWindowSlides(t *testing.T) {
	tracker := NewSpeedTracker(3)

	base := time.Now()
	tick := 0
	tracker.now = func() time.Time {
		ts := base.Add(time.Duration(tick) * 100 * time.Millisecond)
		tick++
		return ts
	}

	// A burst of large chunks followed by small ones; only the recent small
	// chunks should determine the rate.
	tracker.Record(1_000_000)
	tracker.Record(1_000_000)
	for i := 0; i < 3; i++ {
		tracker.Record(100)
	}

	// Window holds the last 3 samples: 2 counted over 200ms => 1000 bytes/sec
	assert.InDelta(t, 1000, tracker.Speed(), 1)
}

func TestSpeedTrackerNeverNegative(t *testing.T) {
	tracker := NewSpeedTracker(8)
	assert.GreaterOrEqual(t, tracker.Speed(), float64(0))

	tracker.Record(100)
	assert.GreaterOrEqual(t, tracker.Speed(), float64(0), "single sample has no interval yet")
}

func TestSpeedTrackerReset(t *testing.T) {
	tracker := NewSpeedTracker(4)
	tracker.Record(1000)
	tracker.Record(1000)
	tracker.Reset()
	assert.Equal(t, float64(0), tracker.Speed())
}
