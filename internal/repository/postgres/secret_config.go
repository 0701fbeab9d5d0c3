package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

type secretConfigRow struct {
	Name               string           `db:"name"`
	Type               string           `db:"type"`
	RotationFrequency  int64            `db:"rotation_frequency"`
	DualAcceptWindow   int64            `db:"dual_accept_window"`
	SyncTargets        models.StringSet `db:"sync_targets"`
	ValidationProbeRef *string          `db:"validation_probe_ref"`
	RollbackThreshold  int64            `db:"rollback_threshold"`
	LastRotatedAt      *time.Time       `db:"last_rotated_at"`
	NextRotationDueAt  time.Time        `db:"next_rotation_due_at"`
	CreatedAt          time.Time        `db:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at"`
}

func (r secretConfigRow) toModel() *models.SecretConfig {
	return &models.SecretConfig{
		Name:               r.Name,
		Type:               models.SecretType(r.Type),
		RotationFrequency:  time.Duration(r.RotationFrequency),
		DualAcceptWindow:   time.Duration(r.DualAcceptWindow),
		SyncTargets:        []string(r.SyncTargets),
		ValidationProbeRef: r.ValidationProbeRef,
		RollbackThreshold:  time.Duration(r.RollbackThreshold),
		LastRotatedAt:      r.LastRotatedAt,
		NextRotationDueAt:  r.NextRotationDueAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

const secretConfigColumns = `name, type, rotation_frequency, dual_accept_window, sync_targets,
	validation_probe_ref, rollback_threshold, last_rotated_at, next_rotation_due_at, created_at, updated_at`

func (s *PsqlStore) UpsertSecretConfig(ctx context.Context, cfg *models.SecretConfig) error {
	query := `
		INSERT INTO secret_configs (` + secretConfigColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			rotation_frequency = EXCLUDED.rotation_frequency,
			dual_accept_window = EXCLUDED.dual_accept_window,
			sync_targets = EXCLUDED.sync_targets,
			validation_probe_ref = EXCLUDED.validation_probe_ref,
			rollback_threshold = EXCLUDED.rollback_threshold,
			updated_at = NOW()`

	_, err := s.psql.DB.ExecContext(ctx, query,
		cfg.Name,
		string(cfg.Type),
		int64(cfg.RotationFrequency),
		int64(cfg.DualAcceptWindow),
		models.StringSet(cfg.SyncTargets),
		cfg.ValidationProbeRef,
		int64(cfg.RollbackThreshold),
		cfg.LastRotatedAt,
		cfg.NextRotationDueAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("secret", cfg.Name).Msg("Failed to upsert secret config")
		return wrapDBError("upsert secret config", err)
	}
	s.logger.Debug().Str("secret", cfg.Name).Msg("Upserted secret config")
	return nil
}

func (s *PsqlStore) GetSecretConfig(ctx context.Context, name string) (*models.SecretConfig, error) {
	query := `SELECT ` + secretConfigColumns + ` FROM secret_configs WHERE name = $1`

	return read(ctx, s, "get secret config", func() (*models.SecretConfig, error) {
		var row secretConfigRow
		if err := s.psql.DB.GetContext(ctx, &row, query, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, repository.ErrSecretConfigNotFound
			}
			return nil, err
		}
		return row.toModel(), nil
	})
}

func (s *PsqlStore) ListSecretConfigs(ctx context.Context) ([]*models.SecretConfig, error) {
	query := `SELECT ` + secretConfigColumns + ` FROM secret_configs ORDER BY name`
	return s.selectSecretConfigs(ctx, query)
}

func (s *PsqlStore) ListDueSecretConfigs(ctx context.Context, now time.Time) ([]*models.SecretConfig, error) {
	query := `SELECT ` + secretConfigColumns + ` FROM secret_configs WHERE next_rotation_due_at <= $1 ORDER BY next_rotation_due_at, name`
	return s.selectSecretConfigs(ctx, query, now)
}

func (s *PsqlStore) selectSecretConfigs(ctx context.Context, query string, args ...any) ([]*models.SecretConfig, error) {
	return read(ctx, s, "list secret configs", func() ([]*models.SecretConfig, error) {
		rows := make([]secretConfigRow, 0)
		if err := s.psql.DB.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, err
		}
		result := make([]*models.SecretConfig, 0, len(rows))
		for _, r := range rows {
			result = append(result, r.toModel())
		}
		return result, nil
	})
}
