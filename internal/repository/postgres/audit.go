package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

const auditColumns = `id, job_id, secret_name, occurred_at, action, details, actor, success, error, metadata`

func insertAuditEntries(ctx context.Context, tx *sqlx.Tx, entries ...models.AuditEntry) error {
	query := `INSERT INTO audit_entries (job_id, secret_name, occurred_at, action, details, actor, success, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, e := range entries {
		metadata := e.Metadata
		if metadata == nil {
			metadata = models.Metadata{}
		}
		if _, err := tx.ExecContext(ctx, query,
			e.JobID, e.SecretName, e.Timestamp, string(e.Action), e.Details, e.Actor, e.Success, e.Error, metadata,
		); err != nil {
			return wrapDBError("insert audit entry", err)
		}
	}
	return nil
}

func (s *PsqlStore) AppendAuditEntries(ctx context.Context, entries ...models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertAuditEntries(ctx, tx, entries...)
	})
}

func (s *PsqlStore) ListAuditEntries(ctx context.Context, filter repository.AuditFilter) ([]models.AuditEntry, error) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.SecretName != "" {
		args = append(args, filter.SecretName)
		conds = append(conds, fmt.Sprintf("secret_name = $%d", len(args)))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, 0, len(filter.Actions))
		for _, a := range filter.Actions {
			args = append(args, string(a))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conds = append(conds, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}

	inner := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		inner += " WHERE " + strings.Join(conds, " AND ")
	}

	// Limit keeps the most recent entries but the result stays in chronological order.
	query := inner + " ORDER BY occurred_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query = fmt.Sprintf("SELECT * FROM (%s ORDER BY occurred_at DESC, id DESC LIMIT $%d) recent ORDER BY occurred_at, id",
			inner, len(args))
	}

	return read(ctx, s, "list audit entries", func() ([]models.AuditEntry, error) {
		entries := make([]models.AuditEntry, 0)
		if err := s.psql.DB.SelectContext(ctx, &entries, query, args...); err != nil {
			return nil, err
		}
		return entries, nil
	})
}

func (s *PsqlStore) decorateLog(eventFactory func() *zerolog.Event, job *models.RotationJob) *zerolog.Event {
	return eventFactory().Str("job_id", job.ID).Str("secret", job.SecretName).Str("status", string(job.Status))
}
