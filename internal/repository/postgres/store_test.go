package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/pkg/db"
)

var jobColumnNames = []string{
	"id", "secret_name", "status", "created_at", "started_at", "completed_at", "old_version_ref",
	"new_version_ref", "dual_accept_started_at", "dual_accept_ends_at", "initiated_by", "error", "validation_result",
}

var auditColumnNames = []string{
	"id", "job_id", "secret_name", "occurred_at", "action", "details", "actor", "success", "error", "metadata",
}

func newMockStore(t *testing.T) (*PsqlStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	store := NewPsqlStore(&db.PostgresDatastore{DB: sqlx.NewDb(mockDB, "sqlmock")})
	store.retryOptFunc = func() []backoff.RetryOption {
		return []backoff.RetryOption{backoff.WithMaxTries(1)}
	}
	return store, mock
}

func testJob(now time.Time) *models.RotationJob {
	return &models.RotationJob{
		ID:          "job-1",
		SecretName:  "k1",
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		InitiatedBy: "op1",
	}
}

func TestGetSecretConfig(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("maps durations and json columns", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{
			"name", "type", "rotation_frequency", "dual_accept_window", "sync_targets", "validation_probe_ref",
			"rollback_threshold", "last_rotated_at", "next_rotation_due_at", "created_at", "updated_at",
		}).AddRow("k1", "api_key", int64(30*24*time.Hour), int64(2*time.Hour), []byte(`["aws"]`), "health",
			int64(time.Hour), nil, now, now, now)
		mock.ExpectQuery(regexp.QuoteMeta("FROM secret_configs WHERE name = $1")).WithArgs("k1").WillReturnRows(rows)

		cfg, err := store.GetSecretConfig(context.Background(), "k1")

		require.NoError(t, err)
		assert.Equal(t, models.SecretTypeAPIKey, cfg.Type)
		assert.Equal(t, 30*24*time.Hour, cfg.RotationFrequency)
		assert.Equal(t, 2*time.Hour, cfg.DualAcceptWindow)
		assert.Equal(t, []string{"aws"}, cfg.SyncTargets)
		require.NotNil(t, cfg.ValidationProbeRef)
		assert.Equal(t, "health", *cfg.ValidationProbeRef)
		assert.Nil(t, cfg.LastRotatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found sentinel", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM secret_configs WHERE name = $1")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"name"}))

		_, err := store.GetSecretConfig(context.Background(), "missing")

		assert.ErrorIs(t, err, repository.ErrSecretConfigNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps driver errors", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM secret_configs WHERE name = $1")).
			WillReturnError(errors.New("connection reset"))

		_, err := store.GetSecretConfig(context.Background(), "k1")

		assert.ErrorIs(t, err, repository.ErrDatabaseGeneric)
		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestCreateJob(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("inserts job and audit entry in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rotation_jobs")).
			WithArgs("job-1", "k1", "pending", now, nil, nil, nil, nil, nil, nil, "op1", nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.CreateJob(context.Background(), job, models.NewAuditEntry(job, now, models.AuditActionCreated, "requested", true))

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to active job sentinel", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rotation_jobs")).
			WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "uq_rotation_jobs_active_secret"})
		mock.ExpectRollback()

		err := store.CreateJob(context.Background(), job, models.NewAuditEntry(job, now, models.AuditActionCreated, "", true))

		assert.ErrorIs(t, err, repository.ErrActiveJobExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransitionJob(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	updateSQL := regexp.QuoteMeta("UPDATE rotation_jobs SET") + ".*" + regexp.QuoteMeta("WHERE id = $1 AND status = $2")

	t.Run("stale status yields state changed", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)
		job.Status = models.JobStatusInProgress

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := store.TransitionJob(context.Background(), job, models.JobStatusPending)

		assert.ErrorIs(t, err, repository.ErrJobStateChanged)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown job yields not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		err := store.TransitionJob(context.Background(), job, models.JobStatusPending)

		assert.ErrorIs(t, err, repository.ErrJobNotFound)
	})

	t.Run("applies update and appends entries", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)
		job.Status = models.JobStatusDualAccept

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		err := store.TransitionJob(context.Background(), job, models.JobStatusInProgress,
			models.NewAuditEntry(job, now, models.AuditActionRotated, "", true),
			models.NewAuditEntry(job, now, models.AuditActionSynced, "", true),
		)

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCompleteJob(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(30 * 24 * time.Hour)

	t.Run("updates job, schedule and audit atomically", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE rotation_jobs SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2")).
			WithArgs("job-1", "dual_accept", "completed", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE secret_configs SET last_rotated_at = $2")).
			WithArgs("k1", now, next).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.CompleteJob(context.Background(), job, now, next,
			models.NewAuditEntry(job, now, models.AuditActionCompleted, "", true))

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("losing a race rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		job := testJob(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE rotation_jobs SET status = $3")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := store.CompleteJob(context.Background(), job, now, next,
			models.NewAuditEntry(job, now, models.AuditActionCompleted, "", true))

		assert.ErrorIs(t, err, repository.ErrJobStateChanged)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListJobsBuildsFilter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t)

	after := now.Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE secret_name = $1 AND status IN ($2, $3) AND created_at >= $4 ORDER BY created_at DESC, id DESC LIMIT $5")).
		WithArgs("k1", "failed", "completed", after, 10).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow("job-1", "k1", "failed", now, now, nil, nil, nil, nil, nil, "op1", "vault down", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries WHERE job_id = $1 ORDER BY occurred_at, id")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(auditColumnNames).
			AddRow(int64(1), "job-1", "k1", now, "created", "", nil, true, nil, []byte(`{}`)).
			AddRow(int64(2), "job-1", "k1", now, "failed", "", nil, false, "vault down", []byte(`{"stage":"store"}`)))

	jobs, err := store.ListJobs(context.Background(), repository.JobFilter{
		SecretName:   "k1",
		Statuses:     []models.JobStatus{models.JobStatusFailed, models.JobStatusCompleted},
		CreatedAfter: &after,
		Limit:        10,
	})

	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].Error)
	assert.Equal(t, "vault down", *jobs[0].Error)
	require.Len(t, jobs[0].AuditTrail, 2)
	assert.Equal(t, "store", jobs[0].AuditTrail[1].Metadata["stage"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditEntriesLimitKeepsChronologicalOrder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT * FROM (SELECT " + auditColumns + " FROM audit_entries WHERE action IN ($1) ORDER BY occurred_at DESC, id DESC LIMIT $2) recent ORDER BY occurred_at, id")).
		WithArgs("rolled_back", 5).
		WillReturnRows(sqlmock.NewRows(auditColumnNames))

	entries, err := store.ListAuditEntries(context.Background(), repository.AuditFilter{
		Actions: []models.AuditAction{models.AuditActionRolledBack},
		Limit:   5,
	})

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadsTripCircuitBreaker(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("FROM secret_configs ORDER BY name")

	for i := 0; i < 5; i++ {
		mock.ExpectQuery(query).WillReturnError(errors.New("connection refused"))
		_, err := store.ListSecretConfigs(context.Background())
		require.ErrorIs(t, err, repository.ErrDatabaseGeneric)
	}

	_, err := store.ListSecretConfigs(context.Background())

	assert.ErrorIs(t, err, repository.ErrDatabaseUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotFoundDoesNotTripCircuitBreaker(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("FROM rotation_jobs WHERE id = $1")

	for i := 0; i < 6; i++ {
		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows(jobColumnNames))
		_, err := store.GetJob(context.Background(), "missing")
		require.ErrorIs(t, err, repository.ErrJobNotFound)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}
