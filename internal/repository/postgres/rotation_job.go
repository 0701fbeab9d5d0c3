package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

type rotationJobRow struct {
	ID                  string                   `db:"id"`
	SecretName          string                   `db:"secret_name"`
	Status              string                   `db:"status"`
	CreatedAt           time.Time                `db:"created_at"`
	StartedAt           *time.Time               `db:"started_at"`
	CompletedAt         *time.Time               `db:"completed_at"`
	OldVersionRef       *string                  `db:"old_version_ref"`
	NewVersionRef       *string                  `db:"new_version_ref"`
	DualAcceptStartedAt *time.Time               `db:"dual_accept_started_at"`
	DualAcceptEndsAt    *time.Time               `db:"dual_accept_ends_at"`
	InitiatedBy         string                   `db:"initiated_by"`
	Error               *string                  `db:"error"`
	ValidationResult    *models.ValidationResult `db:"validation_result"`
}

func (r rotationJobRow) toModel() *models.RotationJob {
	return &models.RotationJob{
		ID:                  r.ID,
		SecretName:          r.SecretName,
		Status:              models.JobStatus(r.Status),
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		OldVersionRef:       r.OldVersionRef,
		NewVersionRef:       r.NewVersionRef,
		DualAcceptStartedAt: r.DualAcceptStartedAt,
		DualAcceptEndsAt:    r.DualAcceptEndsAt,
		InitiatedBy:         r.InitiatedBy,
		Error:               r.Error,
		ValidationResult:    r.ValidationResult,
	}
}

const rotationJobColumns = `id, secret_name, status, created_at, started_at, completed_at, old_version_ref,
	new_version_ref, dual_accept_started_at, dual_accept_ends_at, initiated_by, error, validation_result`

func validationResultArg(v *models.ValidationResult) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *PsqlStore) CreateJob(ctx context.Context, job *models.RotationJob, entry models.AuditEntry) error {
	query := `INSERT INTO rotation_jobs (` + rotationJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			job.ID, job.SecretName, string(job.Status), job.CreatedAt, job.StartedAt, job.CompletedAt,
			job.OldVersionRef, job.NewVersionRef, job.DualAcceptStartedAt, job.DualAcceptEndsAt,
			job.InitiatedBy, job.Error, validationResultArg(job.ValidationResult),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrActiveJobExists
			}
			return wrapDBError("insert rotation job", err)
		}
		return insertAuditEntries(ctx, tx, entry)
	})
	if err != nil {
		s.decorateLog(s.logger.Warn, job).Err(err).Msg("Failed to create rotation job")
		return err
	}
	s.decorateLog(s.logger.Debug, job).Msg("Created rotation job")
	return nil
}

func (s *PsqlStore) GetJob(ctx context.Context, id string) (*models.RotationJob, error) {
	query := `SELECT ` + rotationJobColumns + ` FROM rotation_jobs WHERE id = $1`
	return s.getJobWithTrail(ctx, query, id)
}

func (s *PsqlStore) GetActiveJob(ctx context.Context, secretName string) (*models.RotationJob, error) {
	query := `SELECT ` + rotationJobColumns + ` FROM rotation_jobs
		WHERE secret_name = $1 AND status IN ('pending', 'in_progress', 'dual_accept')`
	return s.getJobWithTrail(ctx, query, secretName)
}

func (s *PsqlStore) getJobWithTrail(ctx context.Context, query string, arg any) (*models.RotationJob, error) {
	job, err := read(ctx, s, "get rotation job", func() (*models.RotationJob, error) {
		var row rotationJobRow
		if err := s.psql.DB.GetContext(ctx, &row, query, arg); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, repository.ErrJobNotFound
			}
			return nil, err
		}
		return row.toModel(), nil
	})
	if err != nil {
		return nil, err
	}
	trail, err := s.ListAuditEntries(ctx, repository.AuditFilter{JobID: job.ID})
	if err != nil {
		return nil, err
	}
	job.AuditTrail = trail
	return job, nil
}

func (s *PsqlStore) TransitionJob(
	ctx context.Context,
	job *models.RotationJob,
	from models.JobStatus,
	entries ...models.AuditEntry,
) error {
	query := `UPDATE rotation_jobs SET
			status = $3, started_at = $4, completed_at = $5, old_version_ref = $6, new_version_ref = $7,
			dual_accept_started_at = $8, dual_accept_ends_at = $9, error = $10
		WHERE id = $1 AND status = $2`

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			job.ID, string(from), string(job.Status), job.StartedAt, job.CompletedAt,
			job.OldVersionRef, job.NewVersionRef, job.DualAcceptStartedAt, job.DualAcceptEndsAt,
			job.Error,
		)
		if err != nil {
			return wrapDBError("update rotation job", err)
		}
		if ok, err := expectOneRow(res); err != nil {
			return wrapDBError("update rotation job", err)
		} else if !ok {
			return s.missingOrChanged(ctx, tx, job.ID)
		}
		return insertAuditEntries(ctx, tx, entries...)
	})
	if err != nil {
		s.decorateLog(s.logger.Debug, job).Err(err).Str("from", string(from)).Msg("Transition not applied")
		return err
	}
	s.decorateLog(s.logger.Debug, job).Str("from", string(from)).Msg("Transitioned rotation job")
	return nil
}

func (s *PsqlStore) UpdateValidationResult(
	ctx context.Context,
	jobID string,
	result *models.ValidationResult,
	entries ...models.AuditEntry,
) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rotation_jobs SET validation_result = $2 WHERE id = $1`,
			jobID, validationResultArg(result))
		if err != nil {
			return wrapDBError("update validation result", err)
		}
		if ok, err := expectOneRow(res); err != nil {
			return wrapDBError("update validation result", err)
		} else if !ok {
			return repository.ErrJobNotFound
		}
		return insertAuditEntries(ctx, tx, entries...)
	})
}

func (s *PsqlStore) CompleteJob(
	ctx context.Context,
	job *models.RotationJob,
	lastRotatedAt, nextDueAt time.Time,
	entry models.AuditEntry,
) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rotation_jobs SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2`,
			job.ID, string(models.JobStatusDualAccept), string(models.JobStatusCompleted), lastRotatedAt)
		if err != nil {
			return wrapDBError("complete rotation job", err)
		}
		if ok, err := expectOneRow(res); err != nil {
			return wrapDBError("complete rotation job", err)
		} else if !ok {
			return s.missingOrChanged(ctx, tx, job.ID)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE secret_configs SET last_rotated_at = $2, next_rotation_due_at = $3, updated_at = $2 WHERE name = $1`,
			job.SecretName, lastRotatedAt, nextDueAt)
		if err != nil {
			return wrapDBError("advance secret schedule", err)
		}
		if ok, err := expectOneRow(res); err != nil {
			return wrapDBError("advance secret schedule", err)
		} else if !ok {
			return repository.ErrSecretConfigNotFound
		}
		return insertAuditEntries(ctx, tx, entry)
	})
}

func (s *PsqlStore) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.RotationJob, error) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.SecretName != "" {
		args = append(args, filter.SecretName)
		conds = append(conds, fmt.Sprintf("secret_name = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + rotationJobColumns + ` FROM rotation_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	jobs, err := s.selectJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		trail, err := s.ListAuditEntries(ctx, repository.AuditFilter{JobID: job.ID})
		if err != nil {
			return nil, err
		}
		job.AuditTrail = trail
	}
	return jobs, nil
}

func (s *PsqlStore) ListExpiredDualAcceptJobs(ctx context.Context, now time.Time) ([]*models.RotationJob, error) {
	query := `SELECT ` + rotationJobColumns + ` FROM rotation_jobs
		WHERE status = 'dual_accept' AND dual_accept_ends_at <= $1
		ORDER BY dual_accept_ends_at`
	return s.selectJobs(ctx, query, now)
}

func (s *PsqlStore) ListRecentCompletedJobs(ctx context.Context, limit int) ([]*models.RotationJob, error) {
	query := `SELECT ` + rotationJobColumns + ` FROM rotation_jobs
		WHERE status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT $1`
	return s.selectJobs(ctx, query, limit)
}

func (s *PsqlStore) selectJobs(ctx context.Context, query string, args ...any) ([]*models.RotationJob, error) {
	return read(ctx, s, "list rotation jobs", func() ([]*models.RotationJob, error) {
		rows := make([]rotationJobRow, 0)
		if err := s.psql.DB.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, err
		}
		jobs := make([]*models.RotationJob, 0, len(rows))
		for _, r := range rows {
			jobs = append(jobs, r.toModel())
		}
		return jobs, nil
	})
}

func (s *PsqlStore) missingOrChanged(ctx context.Context, tx *sqlx.Tx, id string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM rotation_jobs WHERE id = $1)`, id); err != nil {
		return wrapDBError("check rotation job", err)
	}
	if !exists {
		return repository.ErrJobNotFound
	}
	return repository.ErrJobStateChanged
}
