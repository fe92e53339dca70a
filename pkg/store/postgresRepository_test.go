package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

func newTestPayload(t *testing.T) *payload.Payload {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p, err := payload.New("study-1", "corr-1", 5, now)
	require.NoError(t, err)
	p.Add(payload.FileRecord{
		ID:          "file-1",
		StoragePath: "/payloads/file-1",
		UploadPath:  "file-1.dcm",
		ContentType: "application/dicom",
		Source:      "PACS",
		Workflows:   []string{"wf-1"},
	}, now)
	p.Owner = "gateway-1"
	return p
}

func TestPostgresAdd(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payloads \(id, key, correlation_id, timeout_seconds, files, state, retry_count, version, created_at, last_activity_at, owner\) VALUES`).
		WithArgs(p.ID, "study-1", "corr-1", 5, sqlmock.AnyArg(), "created", 0, 0, p.CreatedAt, p.LastActivityAt, "gateway-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = repo.Add(context.Background(), p)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)
	p.State = payload.StateUpload

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payloads SET files=\$1, state=\$2, retry_count=\$3, last_activity_at=\$4, version=version \+ 1\s+WHERE id=\$5 AND version=\$6`).
		WithArgs(sqlmock.AnyArg(), "upload", 0, p.LastActivityAt, p.ID, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.Update(context.Background(), p)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate_StaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)
	p.Version = 3

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payloads SET`).
		WithArgs(sqlmock.AnyArg(), "created", 0, p.LastActivityAt, p.ID, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.Update(context.Background(), p)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(3), p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRemove(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)
	p.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM payloads WHERE id=\$1 AND version=\$2`).
		WithArgs(p.ID, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.Remove(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRemove_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM payloads WHERE id=\$1 AND version=\$2`).
		WithArgs(p.ID, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM payloads WHERE id=\$1\)`).
		WithArgs(p.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.Remove(context.Background(), p), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRemove_StaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)
	p.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM payloads WHERE id=\$1 AND version=\$2`).
		WithArgs(p.ID, 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM payloads WHERE id=\$1\)`).
		WithArgs(p.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.Remove(context.Background(), p), ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	for _, found := range []bool{true, false} {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM payloads WHERE id=\$1\)`).
			WithArgs("p-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(found))
		mock.ExpectCommit()
	}

	exists, err := repo.Exists(context.Background(), "p-1")
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(context.Background(), "p-1")
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByStates(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)
	files, err := json.Marshal(p.Files)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "key", "correlation_id", "timeout_seconds", "files", "state", "retry_count", "version", "created_at", "last_activity_at", "owner"}).
		AddRow("p-1", "study-1", "corr-1", 5, files, "upload", 2, 4, p.CreatedAt, p.LastActivityAt, "gateway-1").
		AddRow("p-2", "study-2", "corr-2", 3, []byte("[]"), "notify", 0, 1, p.CreatedAt, p.LastActivityAt, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, key, correlation_id, timeout_seconds, files, state, retry_count, version, created_at, last_activity_at, owner FROM payloads WHERE state = ANY\(\$1\) ORDER BY created_at`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectCommit()

	payloads, err := repo.ListByStates(context.Background(), payload.StateUpload, payload.StateNotify)
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	assert.Equal(t, "p-1", payloads[0].ID)
	assert.Equal(t, payload.StateUpload, payloads[0].State)
	assert.Equal(t, uint(5), payloads[0].TimeoutSeconds)
	assert.Equal(t, 2, payloads[0].RetryCount)
	assert.Equal(t, int64(4), payloads[0].Version)
	require.Len(t, payloads[0].Files, 1)
	assert.Equal(t, "file-1.dcm", payloads[0].Files[0].UploadPath)
	assert.Equal(t, "gateway-1", payloads[0].Owner)
	assert.Equal(t, payload.StateNotify, payloads[1].State)
	assert.Empty(t, payloads[1].Files)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresContains(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)

	for i := 0; i < 2; i++ {
		rows := sqlmock.NewRows([]string{"id", "key", "correlation_id", "timeout_seconds", "files", "state", "retry_count", "version", "created_at", "last_activity_at", "owner"}).
			AddRow("p-1", "study-1", "corr-1", 5, []byte("[]"), "notify", 0, 1, p.CreatedAt, p.LastActivityAt, "")
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM payloads WHERE state = ANY\(\$1\)`).
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(rows)
		mock.ExpectCommit()
	}

	found, err := repo.Contains(context.Background(), ByID("p-1"))
	assert.NoError(t, err)
	assert.True(t, found)

	found, err = repo.Contains(context.Background(), ByID("p-2"))
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS payloads`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ALTER TABLE payloads ADD COLUMN IF NOT EXISTS owner`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS payloads_state_idx ON payloads \(state\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdd_ExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	p := newTestPayload(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payloads`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = repo.Add(context.Background(), p)
	assert.EqualError(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
