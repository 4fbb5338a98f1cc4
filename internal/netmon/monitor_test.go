package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poleshift/fieldsync/internal/loggy"
)

type fakeCounter struct {
	count int
}

func (f *fakeCounter) CountPending(ctx context.Context) (int, error) {
	return f.count, nil
}

func TestCurrentState(t *testing.T) {
	m := NewMonitor(true, &fakeCounter{count: 2}, loggy.NewNoopLogger())

	state, err := m.CurrentState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.IsOnline)
	assert.True(t, state.HasPendingChanges)
}

func TestDrainTriggeredOncePerTransition(t *testing.T) {
	m := NewMonitor(false, &fakeCounter{count: 3}, loggy.NewNoopLogger())

	var triggered atomic.Int32
	m.OnOnline(func() { triggered.Add(1) })

	ctx := context.Background()
	m.SetOnline(ctx, true)
	assert.Equal(t, int32(1), triggered.Load())

	// Repeated online reports without an offline transition do not re-trigger
	m.SetOnline(ctx, true)
	m.SetOnline(ctx, true)
	assert.Equal(t, int32(1), triggered.Load())

	// A full offline/online cycle triggers again
	m.SetOnline(ctx, false)
	m.SetOnline(ctx, true)
	assert.Equal(t, int32(2), triggered.Load())
}

func TestNoDrainWithoutPendingChanges(t *testing.T) {
	m := NewMonitor(false, &fakeCounter{count: 0}, loggy.NewNoopLogger())

	var triggered atomic.Int32
	m.OnOnline(func() { triggered.Add(1) })

	m.SetOnline(context.Background(), true)
	assert.Equal(t, int32(0), triggered.Load())
}

func TestGoingOfflineHasNoSideEffect(t *testing.T) {
	m := NewMonitor(true, &fakeCounter{count: 5}, loggy.NewNoopLogger())

	var triggered atomic.Int32
	m.OnOnline(func() { triggered.Add(1) })

	m.SetOnline(context.Background(), false)
	assert.False(t, m.IsOnline())
	assert.Equal(t, int32(0), triggered.Load())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	m := NewMonitor(false, &fakeCounter{}, loggy.NewNoopLogger())

	events, cancel := m.Subscribe()
	defer cancel()

	ctx := context.Background()
	m.SetOnline(ctx, true)
	m.SetOnline(ctx, false)

	select {
	case e := <-events:
		assert.Equal(t, EventOnline, e)
	case <-time.After(time.Second):
		t.Fatal("expected online event")
	}

	select {
	case e := <-events:
		assert.Equal(t, EventOffline, e)
	case <-time.After(time.Second):
		t.Fatal("expected offline event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewMonitor(false, &fakeCounter{}, loggy.NewNoopLogger())

	events, cancel := m.Subscribe()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
}
