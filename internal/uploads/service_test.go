package uploads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/progress"
	"github.com/poleshift/fieldsync/internal/remote"
	"github.com/poleshift/fieldsync/internal/transfer"
)

// memQueue is an in-memory processing queue for service tests
type memQueue struct {
	mu    sync.Mutex
	items map[string]*Item
	seq   int
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[string]*Item)}
}

func (q *memQueue) Enqueue(ctx context.Context, kind Kind, sampleID, configID, filePath string, blob []byte) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &Item{
		ID:        fmt.Sprintf("item-%04d", q.seq),
		Kind:      kind,
		SampleID:  sampleID,
		ConfigID:  configID,
		FilePath:  filePath,
		FileBlob:  blob,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	q.items[item.ID] = item
	return item, nil
}

func (q *memQueue) Get(ctx context.Context, id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	copied := *item
	return &copied, nil
}

func (q *memQueue) List(ctx context.Context) ([]*Item, error) {
	return q.ListByStatus(ctx, "")
}

func (q *memQueue) ListByStatus(ctx context.Context, status Status) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Item
	for _, item := range q.items {
		if status == "" || item.Status == status {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (q *memQueue) SetStatus(ctx context.Context, id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Status = status
	return nil
}

func (q *memQueue) MarkError(ctx context.Context, id string, retryCount int, itemErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Status = StatusError
	item.RetryCount = retryCount
	if itemErr != nil {
		item.Error = itemErr.Error()
	}
	return nil
}

func (q *memQueue) Reset(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Status = StatusPending
	item.RetryCount = 0
	item.Error = ""
	return nil
}

func (q *memQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	delete(q.items, id)
	return nil
}

// countingUploader fails a configurable number of times per item
type countingUploader struct {
	mu       sync.Mutex
	attempts map[string]int
	failures map[string]int
	failWith error
	inFlight int
	maxSeen  int
}

func newCountingUploader() *countingUploader {
	return &countingUploader{
		attempts: make(map[string]int),
		failures: make(map[string]int),
	}
}

func (u *countingUploader) Upload(ctx context.Context, req remote.UploadRequest) error {
	u.mu.Lock()
	u.attempts[req.ID]++
	u.inFlight++
	if u.inFlight > u.maxSeen {
		u.maxSeen = u.inFlight
	}
	fail := u.failures[req.ID] > 0
	if fail {
		u.failures[req.ID]--
	}
	u.mu.Unlock()

	time.Sleep(time.Millisecond)

	u.mu.Lock()
	u.inFlight--
	u.mu.Unlock()

	if fail {
		return u.failWith
	}
	return nil
}

func (u *countingUploader) attemptCount(id string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts[id]
}

func newTestService(repo Repository, up Uploader, slots int) *Service {
	cfg := config.SyncConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
	bus := progress.NewBus(loggy.NewNoopLogger())
	return NewService(repo, up, nil, bus, transfer.NewSlots(slots), cfg, loggy.NewNoopLogger())
}

func TestDrainUploadsPendingItems(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()

	_, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data-1"))
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, KindProcessed, "s1", "c1", "run1.parquet", []byte("data-2"))
	require.NoError(t, err)

	svc := newTestService(queue, uploader, 2)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Uploaded)
	assert.Equal(t, 0, result.Failed)

	remaining, err := queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining, "uploaded items leave the queue")
}

func TestDrainRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()
	uploader.failWith = remote.APIError{StatusCode: 503, Message: "unavailable"}

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)
	uploader.failures[item.ID] = 2 // two transient failures, third attempt succeeds

	svc := newTestService(queue, uploader, 1)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 3, uploader.attemptCount(item.ID))
}

func TestDrainParksItemAtRetryCeiling(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()
	uploader.failWith = remote.APIError{StatusCode: 503, Message: "unavailable"}

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)
	uploader.failures[item.ID] = 100 // never succeeds

	svc := newTestService(queue, uploader, 1)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, uploader.attemptCount(item.ID), "ceiling of 3 means no fourth attempt")

	parked, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, parked.Status)
	assert.Equal(t, 3, parked.RetryCount)
	assert.Contains(t, parked.Error, "unavailable")

	// Parked items are not picked up by subsequent drains
	result, err = svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Uploaded+result.Failed)
	assert.Equal(t, 3, uploader.attemptCount(item.ID))
}

func TestDrainParksRejectedItemImmediately(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()
	uploader.failWith = remote.APIError{StatusCode: 422, Message: "unsupported file"}

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)
	uploader.failures[item.ID] = 100

	svc := newTestService(queue, uploader, 1)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, uploader.attemptCount(item.ID), "rejections are not retried")

	parked, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, parked.Status)
}

func TestDrainBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()

	for i := 0; i < 8; i++ {
		_, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", fmt.Sprintf("run%d.raw", i), []byte("data"))
		require.NoError(t, err)
	}

	svc := newTestService(queue, uploader, 2)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 8, result.Uploaded)
	assert.LessOrEqual(t, uploader.maxSeen, 2, "no more than two uploads in flight")
}

func TestDrainReadsPayloadFromDisk(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()

	path := filepath.Join(t.TempDir(), "capture.raw")
	require.NoError(t, os.WriteFile(path, []byte("on-disk payload"), 0o644))

	_, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", path, nil)
	require.NoError(t, err)

	svc := newTestService(queue, uploader, 1)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
}

func TestDrainParksItemWithMissingFile(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "/nonexistent/capture.raw", nil)
	require.NoError(t, err)

	svc := newTestService(queue, uploader, 1)
	result, err := svc.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, uploader.attemptCount(item.ID), "no remote call for an unreadable file")

	parked, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, parked.Status)
}

func TestRetryResetsAndReattempts(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()
	uploader.failWith = remote.APIError{StatusCode: 503, Message: "unavailable"}

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)
	uploader.failures[item.ID] = 100

	svc := newTestService(queue, uploader, 1)
	_, err = svc.Drain(ctx)
	require.NoError(t, err)

	// The service recovered; an explicit retry should now go through
	uploader.mu.Lock()
	uploader.failures[item.ID] = 0
	uploader.mu.Unlock()

	require.NoError(t, svc.Retry(ctx, item.ID))

	_, err = queue.Get(ctx, item.ID)
	assert.ErrorIs(t, err, ErrItemNotFound, "retried item uploaded and left the queue")
}

func TestRetryRejectsNonErrorItems(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)

	svc := newTestService(queue, newCountingUploader(), 1)
	assert.Error(t, svc.Retry(ctx, item.ID), "pending items cannot be retried explicitly")
}

func TestDiscardRemovesParkedItem(t *testing.T) {
	ctx := context.Background()
	queue := newMemQueue()
	uploader := newCountingUploader()
	uploader.failWith = remote.APIError{StatusCode: 422, Message: "rejected"}

	item, err := queue.Enqueue(ctx, KindRaw, "s1", "c1", "run1.raw", []byte("data"))
	require.NoError(t, err)
	uploader.failures[item.ID] = 100

	svc := newTestService(queue, uploader, 1)
	_, err = svc.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Discard(ctx, item.ID))

	_, err = queue.Get(ctx, item.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}
