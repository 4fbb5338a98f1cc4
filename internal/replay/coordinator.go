// Package replay drains the durable mutation log against the remote service
// once connectivity returns, preserving per-record ordering and applying
// bounded exponential backoff to transient failures.
package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/oplog"
	"github.com/poleshift/fieldsync/internal/remote"
	"github.com/poleshift/fieldsync/internal/synclog"
)

// Remote applies a single operation against the sync service
type Remote interface {
	Apply(ctx context.Context, op remote.Operation) error
}

// ErrorReporter receives permanent failures that need manual resolution
type ErrorReporter interface {
	ReportPermanent(op *oplog.PendingOperation, err error)
}

// LogReporter is an ErrorReporter that writes to the structured log
type LogReporter struct {
	Logger *loggy.Logger
}

// ReportPermanent logs a permanently failed operation with enough context to
// resolve it manually
func (r LogReporter) ReportPermanent(op *oplog.PendingOperation, err error) {
	r.Logger.Error("Operation rejected by remote service, manual resolution required",
		"id", op.ID,
		"kind", op.Kind,
		"target", op.Target,
		"record_key", op.RecordKey,
		"error", err,
	)
}

// Result summarizes one drain run
type Result struct {
	Applied           int           // operations acknowledged by the remote service
	PermanentFailures int           // operations rejected and left for manual resolution
	Skipped           int           // operations skipped because an earlier one for the same record failed
	Duration          time.Duration // total run time including backoff waits
}

// Coordinator drains the mutation log. Only one drain run is ever active;
// triggers while a run is in progress coalesce into a no-op because the
// active run re-lists the log until it is empty.
type Coordinator struct {
	repo     oplog.Repository
	remote   Remote
	logs     synclog.Repository
	reporter ErrorReporter
	cfg      config.SyncConfig
	logger   *loggy.Logger
	active   atomic.Bool
}

// NewCoordinator creates a replay coordinator
func NewCoordinator(repo oplog.Repository, rem Remote, logs synclog.Repository, reporter ErrorReporter, cfg config.SyncConfig, logger *loggy.Logger) *Coordinator {
	if reporter == nil {
		reporter = LogReporter{Logger: logger}
	}
	return &Coordinator{
		repo:     repo,
		remote:   rem,
		logs:     logs,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// TriggerDrain starts a drain run in the background. If a run is already in
// progress the trigger is a no-op; the active run picks up anything enqueued
// in the meantime when it loops back to the log.
func (c *Coordinator) TriggerDrain(ctx context.Context) {
	if !c.active.CompareAndSwap(false, true) {
		c.logger.Debug("Drain already in progress, coalescing trigger")
		return
	}

	go func() {
		defer c.active.Store(false)
		if _, err := c.drain(ctx); err != nil {
			c.logger.Warn("Drain run ended without emptying the backlog", "error", err)
		}
	}()
}

// Drain runs a drain synchronously, used by the CLI. Returns an error if a
// run is already active.
func (c *Coordinator) Drain(ctx context.Context) (*Result, error) {
	if !c.active.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("drain already in progress")
	}
	defer c.active.Store(false)

	return c.drain(ctx)
}

// drain repeatedly passes over the mutation log until it is empty or every
// remaining operation is blocked. Transient failures abort the pass and the
// pass is re-run after an exponential backoff bounded by BackoffCap.
func (c *Coordinator) drain(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffCap
	bo.MaxElapsedTime = 0 // retry until the context is cancelled

	// Permanent failures stay blocked for the whole run, surviving both
	// the re-list loop and backoff retries after transient aborts.
	state := &runState{
		blocked:  make(map[string]bool),
		reported: make(map[string]bool),
		counted:  make(map[string]bool),
	}

	operation := func() error {
		return c.pass(ctx, result, state)
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))

	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	c.logger.Info("Drain complete",
		"applied", result.Applied,
		"permanent_failures", result.PermanentFailures,
		"duration", result.Duration,
	)
	return result, nil
}

// transientError marks a pass that must be re-run after backoff
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// runState tracks which records a drain run has given up on
type runState struct {
	blocked  map[string]bool // record keys with a permanently failed operation
	reported map[string]bool // operation ids already surfaced to the reporter
	counted  map[string]bool // operation ids already counted as skipped
}

// pass walks the pending operations in enqueue order until the log is empty
// or every remaining operation is blocked. Returning a non-permanent error
// schedules the next attempt via the caller's backoff.
func (c *Coordinator) pass(ctx context.Context, result *Result, state *runState) error {
	for {
		ops, err := c.repo.ListPending(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("listing pending operations: %w", err))
		}
		if len(ops) == 0 {
			return nil
		}

		progressed := false

		for _, op := range ops {
			if err := ctx.Err(); err != nil {
				// Cancellation only prevents starting the next operation;
				// the in-flight call has already completed or timed out.
				return backoff.Permanent(err)
			}

			// Later operations for a failed record must not jump the queue
			key := recordKey(op)
			if state.blocked[key] {
				if !state.reported[op.ID] && !state.counted[op.ID] {
					result.Skipped++
					state.counted[op.ID] = true
				}
				continue
			}

			if err := c.apply(ctx, op); err != nil {
				if remote.IsTransient(err) {
					// Preserve ordering: abort the rest of the pass and
					// retry from the top after backoff.
					c.logger.Debug("Transient failure, scheduling retry",
						"id", op.ID, "error", err)
					return transientError{err}
				}

				// Permanent or conflict: surface it and keep draining
				// operations for unrelated records.
				result.PermanentFailures++
				state.blocked[key] = true
				state.reported[op.ID] = true
				c.reporter.ReportPermanent(op, err)
				continue
			}

			result.Applied++
			progressed = true
		}

		// Everything left is blocked behind permanent failures; a re-list
		// cannot make progress, so the run terminates.
		if !progressed {
			return nil
		}
	}
}

// apply attempts one remote call and records the outcome on both the
// operation and the sync audit log
func (c *Coordinator) apply(ctx context.Context, op *oplog.PendingOperation) error {
	attempt := synclog.New(synclog.EntityTypeOperation, op.ID)

	err := c.remote.Apply(ctx, remote.Operation{
		ID:        op.ID,
		Kind:      string(op.Kind),
		Target:    op.Target,
		RecordKey: op.RecordKey,
		Payload:   op.Payload,
	})
	if err != nil {
		if markErr := c.repo.MarkFailed(ctx, op.ID, err); markErr != nil {
			c.logger.Error("Failed to record operation failure", "id", op.ID, "error", markErr)
		}
		attempt.MarkFailed(string(remote.Classify(err)), err.Error())
		c.recordAttempt(ctx, attempt)
		return err
	}

	if ackErr := c.repo.Acknowledge(ctx, op.ID); ackErr != nil {
		// The remote call succeeded but local acknowledgment failed; the
		// operation stays queued and the idempotency key absorbs the
		// duplicate on the next run.
		attempt.MarkFailed("local", ackErr.Error())
		c.recordAttempt(ctx, attempt)
		return transientError{fmt.Errorf("acknowledging operation %s: %w", op.ID, ackErr)}
	}

	attempt.MarkSuccessful()
	c.recordAttempt(ctx, attempt)
	return nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, attempt *synclog.SyncLog) {
	if c.logs == nil {
		return
	}
	if err := c.logs.Create(ctx, attempt); err != nil {
		c.logger.Error("Failed to create sync log", "error", err)
	}
}

// recordKey identifies the logical record an operation touches
func recordKey(op *oplog.PendingOperation) string {
	return op.Target + "\x00" + op.RecordKey
}
