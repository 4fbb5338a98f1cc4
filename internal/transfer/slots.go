// Package transfer provides the primitives shared by the download pipeline
// and the upload queue: the bounded transfer slot pool and the smoothed
// transfer-speed tracker.
package transfer

import "context"

// Slots is a counting semaphore bounding how many transfers run at once.
// Downloads and uploads share one pool so total outbound bandwidth contention
// stays capped.
type Slots struct {
	sem chan struct{}
}

// NewSlots creates a pool with the given number of concurrent transfer slots
func NewSlots(n int) *Slots {
	if n <= 0 {
		n = 1
	}
	return &Slots{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or the context is cancelled
func (s *Slots) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a previously acquired slot to the pool
func (s *Slots) Release() {
	<-s.sem
}

// Cap returns the pool size
func (s *Slots) Cap() int {
	return cap(s.sem)
}
