package synclog

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/poleshift/fieldsync/internal/loggy"
)

// Repository defines the interface for sync log persistence
type Repository interface {
	Create(ctx context.Context, log *SyncLog) error
	List(ctx context.Context, entityType EntityType, limit int) ([]*SyncLog, error)
}

// SQLRepository implements Repository using the local SQLite database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new sync log SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Create persists a sync log entry
func (r *SQLRepository) Create(ctx context.Context, log *SyncLog) error {
	query, args, err := r.builder.
		Insert("sync_logs").
		Columns("id", "entity_type", "entity_id", "success", "error_type", "error_message", "started_at", "completed_at").
		Values(log.ID, string(log.EntityType), log.EntityID, log.Success, log.ErrorType, log.ErrorMessage, log.StartedAt, log.CompletedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}

	return nil
}

// List returns the most recent sync log entries for an entity type.
// An empty entityType returns entries of all types.
func (r *SQLRepository) List(ctx context.Context, entityType EntityType, limit int) ([]*SyncLog, error) {
	builder := r.builder.
		Select("id", "entity_type", "entity_id", "success", "error_type", "error_message", "started_at", "completed_at").
		From("sync_logs").
		OrderBy("completed_at DESC").
		Limit(uint64(limit))

	if entityType != "" {
		builder = builder.Where(sq.Eq{"entity_type": string(entityType)})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var log SyncLog
		var entityType string
		var errorType, errorMessage sql.NullString

		if err := rows.Scan(&log.ID, &entityType, &log.EntityID, &log.Success, &errorType, &errorMessage, &log.StartedAt, &log.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}

		log.EntityType = EntityType(entityType)
		log.ErrorType = errorType.String
		log.ErrorMessage = errorMessage.String
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync logs: %w", err)
	}

	return logs, nil
}
