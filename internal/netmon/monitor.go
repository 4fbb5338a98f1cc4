// Package netmon tracks the host connectivity signal and notifies interested
// components when the client transitions between online and offline.
package netmon

import (
	"context"
	"sync"

	"github.com/poleshift/fieldsync/internal/loggy"
)

// Event is a connectivity transition
type Event string

const (
	// EventOnline fires when connectivity is regained
	EventOnline Event = "online"
	// EventOffline fires when connectivity is lost
	EventOffline Event = "offline"
)

// PendingCounter reports how many mutation-log operations await replay
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// State is the process-wide sync state, recomputed from the mutation log and
// the connectivity signal rather than persisted.
type State struct {
	IsOnline          bool `json:"is_online"`
	HasPendingChanges bool `json:"has_pending_changes"`
}

// Monitor observes connectivity transitions and exposes the current state
type Monitor struct {
	mu       sync.Mutex
	online   bool
	subs     map[int]chan Event
	nextID   int
	onOnline func()
	pending  PendingCounter
	logger   *loggy.Logger
}

// NewMonitor creates a monitor with the given initial connectivity state
func NewMonitor(initiallyOnline bool, pending PendingCounter, logger *loggy.Logger) *Monitor {
	return &Monitor{
		online:  initiallyOnline,
		subs:    make(map[int]chan Event),
		pending: pending,
		logger:  logger,
	}
}

// IsOnline returns the current connectivity state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// CurrentState derives the process-wide sync state
func (m *Monitor) CurrentState(ctx context.Context) (State, error) {
	count, err := m.pending.CountPending(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		IsOnline:          m.IsOnline(),
		HasPendingChanges: count > 0,
	}, nil
}

// OnOnline registers the drain trigger invoked once per offline-to-online
// transition. A single registered function keeps the "exactly once per
// transition" contract trivial to reason about.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// SetOnline feeds the platform connectivity signal into the monitor.
// Repeated reports of the same state are ignored; only transitions notify
// subscribers and fire the drain trigger.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	event := EventOffline
	if online {
		event = EventOnline
	}
	for _, ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
	trigger := m.onOnline
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "online", online)

	// Going offline needs no side effect: enqueue always succeeds locally.
	if !online || trigger == nil {
		return
	}

	state, err := m.CurrentState(ctx)
	if err != nil {
		m.logger.Error("Failed to compute sync state on reconnect", "error", err)
		return
	}

	// One trigger per transition; the drain run itself is responsible for
	// the whole backlog, including anything enqueued while it runs.
	if state.HasPendingChanges {
		trigger()
	}
}

// Subscribe returns a channel of transition events and a cancel function
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
