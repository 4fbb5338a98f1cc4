package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poleshift/fieldsync/internal/loggy"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Snapshot {
	var out []Snapshot
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, s)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	sub := bus.Subscribe(16)
	defer sub.Unsubscribe()

	for _, p := range []int64{200, 500, 1000} {
		bus.Publish(Snapshot{FileName: "taxdb.tar.gz", Stage: StageDownloading, Progress: p, Total: 1000})
	}

	got := collect(sub, 3, time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, int64(200), got[0].Progress)
	assert.Equal(t, int64(500), got[1].Progress)
	assert.Equal(t, int64(1000), got[2].Progress)
}

func TestRemoveBroadcastsDone(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	sub := bus.Subscribe(16)
	defer sub.Unsubscribe()

	bus.Publish(Snapshot{FileName: "refdata.tar.xz", Stage: StageExtracting, Progress: 10, Total: 10})
	bus.Remove("refdata.tar.xz")

	got := collect(sub, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, StageExtracting, got[0].Stage)
	assert.Equal(t, StageDone, got[1].Stage)

	assert.Empty(t, bus.Active(), "removed files must leave the active set")
}

func TestRemoveUnknownFileIsNoOp(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	sub := bus.Subscribe(4)
	defer sub.Unsubscribe()

	bus.Remove("never-published")

	select {
	case s := <-sub.C():
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	sub := bus.Subscribe(4)
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic
	bus.Publish(Snapshot{FileName: "a", Progress: 1})
}

func TestSubscribersDoNotBlockProducers(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	sub := bus.Subscribe(1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		// Far more snapshots than the buffer holds; must not block
		for i := 0; i < 100; i++ {
			bus.Publish(Snapshot{FileName: "big.tar.gz", Progress: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestAggregate(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())

	bus.Publish(Snapshot{FileName: "a", Progress: 100, Total: 1000, TransferSpeed: 10})
	bus.Publish(Snapshot{FileName: "b", Progress: 50, Total: 0, TransferSpeed: 5}) // unknown total

	done, total, speed := bus.Aggregate()
	assert.Equal(t, int64(150), done)
	assert.Equal(t, int64(1050), total)
	assert.Equal(t, float64(15), speed)
}

func TestActiveSorted(t *testing.T) {
	bus := NewBus(loggy.NewNoopLogger())
	bus.Publish(Snapshot{FileName: "b"})
	bus.Publish(Snapshot{FileName: "a"})

	active := bus.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].FileName)
	assert.Equal(t, "b", active[1].FileName)
}
