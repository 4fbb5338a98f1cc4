package transfer

import (
	"sync"
	"time"
)

type sample struct {
	bytes int64
	at    time.Time
}

// SpeedTracker computes a smoothed transfer speed as a moving average over
// the most recent chunks, so a single fast or slow read does not make the
// displayed rate jitter.
type SpeedTracker struct {
	mu      sync.Mutex
	window  int
	samples []sample
	now     func() time.Time
}

// NewSpeedTracker creates a tracker averaging over the last window chunks
func NewSpeedTracker(window int) *SpeedTracker {
	if window < 2 {
		window = 2
	}
	return &SpeedTracker{
		window: window,
		now:    time.Now,
	}
}

// Record registers a received chunk of n bytes
func (t *SpeedTracker) Record(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, sample{bytes: n, at: t.now()})
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}
}

// Speed returns the smoothed rate in bytes per second. It is always >= 0;
// fewer than two samples yield 0 because no interval exists yet.
func (t *SpeedTracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < 2 {
		return 0
	}

	elapsed := t.samples[len(t.samples)-1].at.Sub(t.samples[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	// The first sample only anchors the interval start; its bytes were
	// received before the window opened.
	var total int64
	for _, s := range t.samples[1:] {
		total += s.bytes
	}

	return float64(total) / elapsed
}

// Reset clears all samples, used when a transfer restarts from zero
func (t *SpeedTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
}
