package uploads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/progress"
	"github.com/poleshift/fieldsync/internal/remote"
	"github.com/poleshift/fieldsync/internal/synclog"
	"github.com/poleshift/fieldsync/internal/transfer"
)

// Uploader sends a single queued file to the remote service
type Uploader interface {
	Upload(ctx context.Context, req remote.UploadRequest) error
}

// Result summarizes one queue drain
type Result struct {
	Uploaded int // items confirmed by the remote service and removed
	Failed   int // items parked in the error state
}

// Service drains the processing queue. Uploads run concurrently but the
// shared transfer slots bound how many are in flight at once.
type Service struct {
	repo   Repository
	remote Uploader
	logs   synclog.Repository
	bus    *progress.Bus
	slots  *transfer.Slots
	cfg    config.SyncConfig
	logger *loggy.Logger
	active atomic.Bool
}

// NewService creates a processing queue service
func NewService(repo Repository, rem Uploader, logs synclog.Repository, bus *progress.Bus, slots *transfer.Slots, cfg config.SyncConfig, logger *loggy.Logger) *Service {
	return &Service{
		repo:   repo,
		remote: rem,
		logs:   logs,
		bus:    bus,
		slots:  slots,
		cfg:    cfg,
		logger: logger,
	}
}

// Drain attempts every pending item once, retrying transient failures with
// exponential backoff up to the configured ceiling. Items that exhaust their
// retries or are rejected outright park in the error state; they are never
// attempted again until Retry or Discard. Only one drain runs at a time.
func (s *Service) Drain(ctx context.Context) (*Result, error) {
	if !s.active.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("upload drain already in progress")
	}
	defer s.active.Store(false)

	items, err := s.repo.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending uploads: %w", err)
	}
	if len(items) == 0 {
		return &Result{}, nil
	}

	var (
		wg       sync.WaitGroup
		uploaded atomic.Int64
		failed   atomic.Int64
	)

	for _, item := range items {
		if err := s.slots.Acquire(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(item *Item) {
			defer wg.Done()
			defer s.slots.Release()

			if s.uploadItem(ctx, item) {
				uploaded.Add(1)
			} else {
				failed.Add(1)
			}
		}(item)
	}

	wg.Wait()

	result := &Result{
		Uploaded: int(uploaded.Load()),
		Failed:   int(failed.Load()),
	}
	s.logger.Info("Upload drain complete", "uploaded", result.Uploaded, "failed", result.Failed)
	return result, ctx.Err()
}

// Retry returns a parked item to pending and immediately attempts it
func (s *Service) Retry(ctx context.Context, id string) error {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusError {
		return fmt.Errorf("item %s is %s, only items in the error state can be retried", id, item.Status)
	}

	if err := s.repo.Reset(ctx, id); err != nil {
		return err
	}

	item, err = s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.uploadItem(ctx, item) {
		return fmt.Errorf("retry of item %s failed", id)
	}
	return nil
}

// Discard removes a parked item without uploading it
func (s *Service) Discard(ctx context.Context, id string) error {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == StatusUploading {
		return fmt.Errorf("item %s has an upload in flight", id)
	}

	s.logger.Info("Discarding queued upload", "id", id, "file", item.FilePath)
	return s.repo.Delete(ctx, id)
}

// List returns all queue items, oldest first
func (s *Service) List(ctx context.Context) ([]*Item, error) {
	return s.repo.List(ctx)
}

// uploadItem runs the full attempt cycle for one item and reports success
func (s *Service) uploadItem(ctx context.Context, item *Item) bool {
	attempt := synclog.New(synclog.EntityTypeUpload, item.ID)

	if err := s.repo.SetStatus(ctx, item.ID, StatusUploading); err != nil {
		s.logger.Error("Failed to mark item uploading", "id", item.ID, "error", err)
		return false
	}

	data, err := s.payload(item)
	if err != nil {
		// The file is gone or unreadable; no amount of retrying helps.
		s.park(ctx, item, item.RetryCount, err)
		attempt.MarkFailed(string(remote.ClassificationPermanent), err.Error())
		s.recordAttempt(ctx, attempt)
		return false
	}

	name := displayName(item)
	total := int64(len(data))
	s.publish(name, 0, total)
	defer s.bus.Remove(name)

	req := remote.UploadRequest{
		ID:       item.ID,
		Kind:     string(item.Kind),
		SampleID: item.SampleID,
		ConfigID: item.ConfigID,
		FilePath: item.FilePath,
		Data:     data,
	}

	retries := item.RetryCount
	operation := func() error {
		err := s.remote.Upload(ctx, req)
		if err == nil {
			return nil
		}

		retries++
		if !remote.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if retries >= s.cfg.MaxRetries {
			// Ceiling reached: park instead of waiting out another backoff
			return backoff.Permanent(err)
		}
		s.logger.Debug("Upload attempt failed, will retry", "id", item.ID, "attempt", retries, "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			// Cancelled, not failed: the item goes back to pending and the
			// next drain picks it up.
			if resetErr := s.repo.SetStatus(context.WithoutCancel(ctx), item.ID, StatusPending); resetErr != nil {
				s.logger.Error("Failed to return cancelled item to pending", "id", item.ID, "error", resetErr)
			}
			return false
		}
		s.park(ctx, item, retries, err)
		attempt.MarkFailed(string(remote.Classify(err)), err.Error())
		s.recordAttempt(ctx, attempt)
		return false
	}

	s.publish(name, total, total)

	if err := s.repo.Delete(ctx, item.ID); err != nil {
		// The service has the file; the idempotency key absorbs the duplicate
		// when the leftover item is drained again.
		s.logger.Error("Failed to remove uploaded item", "id", item.ID, "error", err)
	}

	attempt.MarkSuccessful()
	s.recordAttempt(ctx, attempt)
	s.logger.Info("Uploaded queued file", "id", item.ID, "file", item.FilePath, "bytes", total)
	return true
}

// payload returns the bytes to upload, preferring the inline blob
func (s *Service) payload(item *Item) ([]byte, error) {
	if len(item.FileBlob) > 0 {
		return item.FileBlob, nil
	}

	data, err := os.ReadFile(item.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading queued file: %w", err)
	}
	return data, nil
}

func (s *Service) park(ctx context.Context, item *Item, retryCount int, err error) {
	s.logger.Warn("Parking queue item in error state",
		"id", item.ID, "retries", retryCount, "error", err)
	if markErr := s.repo.MarkError(ctx, item.ID, retryCount, err); markErr != nil {
		s.logger.Error("Failed to park queue item", "id", item.ID, "error", markErr)
	}
}

func (s *Service) publish(name string, done, total int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(progress.Snapshot{
		FileName: name,
		Stage:    progress.StageUploading,
		Progress: done,
		Total:    total,
	})
}

func (s *Service) recordAttempt(ctx context.Context, attempt *synclog.SyncLog) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Create(ctx, attempt); err != nil {
		s.logger.Error("Failed to create sync log", "error", err)
	}
}

func displayName(item *Item) string {
	if item.FilePath != "" {
		return filepath.Base(item.FilePath)
	}
	return item.ID
}
