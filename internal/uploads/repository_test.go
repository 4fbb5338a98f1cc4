package uploads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poleshift/fieldsync/internal/loggy"
)

func newTestRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err, "Failed to create mock database")
	t.Cleanup(func() { db.Close() })

	return NewSQLRepository(db, loggy.NewNoopLogger()), mock
}

func TestEnqueueItem(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("INSERT INTO processing_queue").
		WithArgs(
			sqlmock.AnyArg(), // generated id
			"raw",
			"sample-1",
			"config-1",
			"/data/capture.raw",
			[]byte(nil),
			"pending",
			0,
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	item, err := repo.Enqueue(context.Background(), KindRaw, "sample-1", "config-1", "/data/capture.raw", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, KindRaw, item.Kind)
	assert.Equal(t, StatusPending, item.Status)
	assert.False(t, item.CreatedAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueItemRejectsInvalidKind(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.Enqueue(context.Background(), Kind("export"), "sample-1", "config-1", "f", nil)
	assert.ErrorIs(t, err, ErrInvalidItemKind)
}

func TestListByStatus(t *testing.T) {
	repo, mock := newTestRepo(t)

	rows := sqlmock.NewRows([]string{
		"id", "kind", "sample_id", "config_id", "file_path", "file_blob", "status", "retry_count", "error", "created_at",
	}).
		AddRow("item-1", "raw", "s1", "c1", "/data/a.raw", nil, "pending", 0, nil, time.Now().Add(-time.Hour)).
		AddRow("item-2", "processed", "s1", "c1", "/data/a.parquet", []byte("blob"), "pending", 1, "timeout", time.Now())

	mock.ExpectQuery("SELECT .+ FROM processing_queue WHERE status = \\? ORDER BY created_at ASC, id ASC").
		WithArgs("pending").
		WillReturnRows(rows)

	items, err := repo.ListByStatus(context.Background(), StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, KindRaw, items[0].Kind)
	assert.Empty(t, items[0].Error)

	assert.Equal(t, "item-2", items[1].ID)
	assert.Equal(t, []byte("blob"), items[1].FileBlob)
	assert.Equal(t, "timeout", items[1].Error)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingItem(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("SELECT .+ FROM processing_queue WHERE id = \\?").
		WithArgs("item-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "sample_id", "config_id", "file_path", "file_blob", "status", "retry_count", "error", "created_at",
		}))

	_, err := repo.Get(context.Background(), "item-missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestMarkError(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE processing_queue SET status = \\?, retry_count = \\?, error = \\? WHERE id = \\?").
		WithArgs("error", 3, "connection refused", "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkError(context.Background(), "item-1", 3, errors.New("connection refused"))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetClearsFailureState(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE processing_queue SET status = \\?, retry_count = \\?, error = \\? WHERE id = \\?").
		WithArgs("pending", 0, nil, "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Reset(context.Background(), "item-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingItem(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("DELETE FROM processing_queue WHERE id = \\?").
		WithArgs("item-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "item-missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}
