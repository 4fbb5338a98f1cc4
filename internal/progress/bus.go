// Package progress implements the process-wide progress aggregation bus.
// Producers publish per-file snapshots; any number of subscribers may attach
// and detach without the producers noticing.
package progress

import (
	"sort"
	"sync"

	"github.com/poleshift/fieldsync/internal/loggy"
)

// Stage describes what is currently happening to a file
type Stage string

const (
	// StageDownloading means bytes are being received from the remote host
	StageDownloading Stage = "downloading"
	// StageExtracting means the archive is being decompressed to disk
	StageExtracting Stage = "extracting"
	// StageUploading means the file is being sent to the remote service
	StageUploading Stage = "uploading"
	// StageDone means the file finished and is leaving the active set
	StageDone Stage = "done"
)

// Snapshot is a point-in-time progress record for a single file.
// Total is 0 when the expected size is unknown; observers must treat that as
// indeterminate rather than as 100%.
type Snapshot struct {
	FileName      string  `json:"file_name"`
	Stage         Stage   `json:"stage"`
	Progress      int64   `json:"progress"`
	Total         int64   `json:"total"`
	TransferSpeed float64 `json:"transfer_speed"` // bytes/sec, smoothed
}

// Subscription is a single observer attachment to the bus
type Subscription struct {
	id  int
	ch  chan Snapshot
	bus *Bus
}

// C returns the channel snapshots are delivered on. The channel is closed
// when the subscription is cancelled.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Unsubscribe detaches the observer from the bus
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is the broadcast point between transfer producers and observers
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	active map[string]Snapshot
	logger *loggy.Logger
}

// NewBus creates a new progress bus
func NewBus(logger *loggy.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Snapshot),
		active: make(map[string]Snapshot),
		logger: logger,
	}
}

// Subscribe attaches a new observer. Snapshots for a single file arrive in
// the order they were published; when the observer falls behind, newer
// snapshots are dropped rather than blocking producers, which preserves
// relative ordering of the snapshots that are delivered.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Snapshot, buffer)
	b.subs[id] = ch

	return &Subscription{id: id, ch: ch, bus: b}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish records and broadcasts a snapshot
func (b *Bus) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active[s.FileName] = s
	b.broadcast(s)
}

// Remove drops a file from the active set, broadcasting a final StageDone
// snapshot so observers can clear their display.
func (b *Bus) Remove(fileName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.active[fileName]
	if !ok {
		return
	}
	delete(b.active, fileName)

	last.Stage = StageDone
	b.broadcast(last)
}

// broadcast delivers a snapshot to every subscriber; b.mu must be held
func (b *Bus) broadcast(s Snapshot) {
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.logger.Debug("Dropping progress snapshot for slow subscriber", "file", s.FileName)
		}
	}
}

// Active returns the current snapshots, sorted by file name for stable display
func (b *Bus) Active() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.active))
	for _, s := range b.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// Aggregate derives the combined progress over all active files. Files with
// unknown totals contribute their received bytes to both sides so the
// percentage never runs backwards when a total becomes known.
func (b *Bus) Aggregate() (done, total int64, speed float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.active {
		done += s.Progress
		if s.Total > 0 {
			total += s.Total
		} else {
			total += s.Progress
		}
		speed += s.TransferSpeed
	}
	return done, total, speed
}
