package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/ulid"
)

var (
	// ErrInvalidKind is returned when an unknown operation kind is enqueued
	ErrInvalidKind = errors.New("invalid operation kind")

	// ErrEmptyTarget is returned when an operation has no target table
	ErrEmptyTarget = errors.New("operation target must not be empty")
)

// Repository defines the interface for mutation log persistence
type Repository interface {
	// Enqueue appends a new operation and persists it before returning
	Enqueue(ctx context.Context, kind Kind, target, recordKey string, payload []byte) (*PendingOperation, error)

	// ListPending returns all unacknowledged operations in enqueue order
	ListPending(ctx context.Context) ([]*PendingOperation, error)

	// Acknowledge removes the operation; acknowledging a missing id is a no-op
	Acknowledge(ctx context.Context, id string) error

	// MarkFailed increments the retry count and records the error without
	// removing the entry
	MarkFailed(ctx context.Context, id string, opErr error) error

	// CountPending returns the number of unacknowledged operations
	CountPending(ctx context.Context) (int, error)
}

// SQLRepository implements Repository using the local SQLite database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new mutation log SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Enqueue appends a new operation to the log
func (r *SQLRepository) Enqueue(ctx context.Context, kind Kind, target, recordKey string, payload []byte) (*PendingOperation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if target == "" {
		return nil, ErrEmptyTarget
	}

	op := &PendingOperation{
		ID:         ulid.OperationID(),
		Kind:       kind,
		Target:     target,
		RecordKey:  recordKey,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	query, args, err := r.builder.
		Insert("pending_operations").
		Columns("id", "kind", "target", "record_key", "payload", "retry_count", "enqueued_at").
		Values(op.ID, string(op.Kind), op.Target, op.RecordKey, []byte(op.Payload), op.RetryCount, op.EnqueuedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting pending operation: %w", err)
	}

	r.logger.Debug("Enqueued operation", "id", op.ID, "kind", op.Kind, "target", op.Target, "record_key", op.RecordKey)
	return op, nil
}

// ListPending returns all unacknowledged operations in enqueue order
func (r *SQLRepository) ListPending(ctx context.Context) ([]*PendingOperation, error) {
	query, args, err := r.builder.
		Select("id", "kind", "target", "record_key", "payload", "retry_count", "last_error", "enqueued_at").
		From("pending_operations").
		OrderBy("enqueued_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending operations: %w", err)
	}

	return ops, nil
}

// Acknowledge removes an operation after the remote service confirmed it.
// Acknowledging an id that no longer exists is a no-op.
func (r *SQLRepository) Acknowledge(ctx context.Context, id string) error {
	query, args, err := r.builder.
		Delete("pending_operations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("acknowledging operation: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		r.logger.Debug("Acknowledged missing operation", "id", id)
	}

	return nil
}

// MarkFailed increments the retry count and records the last error
func (r *SQLRepository) MarkFailed(ctx context.Context, id string, opErr error) error {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}

	query, args, err := r.builder.
		Update("pending_operations").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", msg).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking operation failed: %w", err)
	}

	return nil
}

// CountPending returns the number of unacknowledged operations
func (r *SQLRepository) CountPending(ctx context.Context) (int, error) {
	query, args, err := r.builder.
		Select("COUNT(*)").
		From("pending_operations").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting pending operations: %w", err)
	}

	return count, nil
}

// scanOperation scans a single row into a PendingOperation
func scanOperation(rows *sql.Rows) (*PendingOperation, error) {
	var op PendingOperation
	var kind string
	var payload []byte
	var lastError sql.NullString

	if err := rows.Scan(&op.ID, &kind, &op.Target, &op.RecordKey, &payload, &op.RetryCount, &lastError, &op.EnqueuedAt); err != nil {
		return nil, fmt.Errorf("scanning pending operation: %w", err)
	}

	op.Kind = Kind(kind)
	op.Payload = payload
	if lastError.Valid {
		op.LastError = lastError.String
	}

	return &op, nil
}
