package uploads

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
	// ErrItemNotFound is returned when a queue item does not exist
	ErrItemNotFound = errors.New("queue item not found")

	// ErrInvalidItemKind is returned when an unknown item kind is enqueued
	ErrInvalidItemKind = errors.New("invalid queue item kind")
)

// Repository defines the interface for processing-queue persistence
type Repository interface {
	// Enqueue appends a new item in pending state and persists it before
	// returning
	Enqueue(ctx context.Context, kind Kind, sampleID, configID, filePath string, blob []byte) (*Item, error)

	// Get returns a single item by id
	Get(ctx context.Context, id string) (*Item, error)

	// List returns all items, oldest first
	List(ctx context.Context) ([]*Item, error)

	// ListByStatus returns items in the given state, oldest first
	ListByStatus(ctx context.Context, status Status) ([]*Item, error)

	// SetStatus transitions an item to the given state
	SetStatus(ctx context.Context, id string, status Status) error

	// MarkError parks an item in the error state with the failure recorded
	MarkError(ctx context.Context, id string, retryCount int, itemErr error) error

	// Reset returns a parked item to pending with a clean slate
	Reset(ctx context.Context, id string) error

	// Delete removes an item, either after a successful upload or on discard
	Delete(ctx context.Context, id string) error
}

// SQLRepository implements Repository using the local SQLite database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new processing queue SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Enqueue appends a new item to the processing queue
func (r *SQLRepository) Enqueue(ctx context.Context, kind Kind, sampleID, configID, filePath string, blob []byte) (*Item, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItemKind, kind)
	}

	item := &Item{
		ID:        ulid.ItemID(),
		Kind:      kind,
		SampleID:  sampleID,
		ConfigID:  configID,
		FilePath:  filePath,
		FileBlob:  blob,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	query, args, err := r.builder.
		Insert("processing_queue").
		Columns("id", "kind", "sample_id", "config_id", "file_path", "file_blob", "status", "retry_count", "created_at").
		Values(item.ID, string(item.Kind), item.SampleID, item.ConfigID, item.FilePath, item.FileBlob, string(item.Status), item.RetryCount, item.CreatedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting queue item: %w", err)
	}

	r.logger.Debug("Enqueued upload", "id", item.ID, "kind", item.Kind, "file", item.FilePath)
	return item, nil
}

// Get returns a single item by id
func (r *SQLRepository) Get(ctx context.Context, id string) (*Item, error) {
	query, args, err := r.selectItems().
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue item: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying queue item: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	return scanItem(rows)
}

// List returns all items, oldest first
func (r *SQLRepository) List(ctx context.Context) ([]*Item, error) {
	query, args, err := r.selectItems().
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	return r.queryItems(ctx, query, args)
}

// ListByStatus returns items in the given state, oldest first
func (r *SQLRepository) ListByStatus(ctx context.Context, status Status) ([]*Item, error) {
	query, args, err := r.selectItems().
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	return r.queryItems(ctx, query, args)
}

// SetStatus transitions an item to the given state
func (r *SQLRepository) SetStatus(ctx context.Context, id string, status Status) error {
	query, args, err := r.builder.
		Update("processing_queue").
		Set("status", string(status)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	return r.execExpectingRow(ctx, query, args, id)
}

// MarkError parks an item in the error state with the failure recorded
func (r *SQLRepository) MarkError(ctx context.Context, id string, retryCount int, itemErr error) error {
	msg := ""
	if itemErr != nil {
		msg = itemErr.Error()
	}

	query, args, err := r.builder.
		Update("processing_queue").
		Set("status", string(StatusError)).
		Set("retry_count", retryCount).
		Set("error", msg).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	return r.execExpectingRow(ctx, query, args, id)
}

// Reset returns a parked item to pending with a clean slate
func (r *SQLRepository) Reset(ctx context.Context, id string) error {
	query, args, err := r.builder.
		Update("processing_queue").
		Set("status", string(StatusPending)).
		Set("retry_count", 0).
		Set("error", nil).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	return r.execExpectingRow(ctx, query, args, id)
}

// Delete removes an item from the queue
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	query, args, err := r.builder.
		Delete("processing_queue").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}

	return r.execExpectingRow(ctx, query, args, id)
}

func (r *SQLRepository) selectItems() sq.SelectBuilder {
	return r.builder.
		Select("id", "kind", "sample_id", "config_id", "file_path", "file_blob", "status", "retry_count", "error", "created_at").
		From("processing_queue")
}

func (r *SQLRepository) queryItems(ctx context.Context, query string, args []interface{}) ([]*Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue items: %w", err)
	}

	return items, nil
}

func (r *SQLRepository) execExpectingRow(ctx context.Context, query string, args []interface{}, id string) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating queue item: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	return nil
}

// scanItem scans a single row into an Item
func scanItem(rows *sql.Rows) (*Item, error) {
	var item Item
	var kind, status string
	var errMsg sql.NullString

	if err := rows.Scan(&item.ID, &kind, &item.SampleID, &item.ConfigID, &item.FilePath, &item.FileBlob, &status, &item.RetryCount, &errMsg, &item.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning queue item: %w", err)
	}

	item.Kind = Kind(kind)
	item.Status = Status(status)
	if errMsg.Valid {
		item.Error = errMsg.String
	}

	return &item, nil
}
