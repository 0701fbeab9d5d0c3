package repository

import (
	"context"
	"time"

	"secret-rotator/internal/models"
)

type SecretConfigRepository interface {
	// UpsertSecretConfig writes the declarative fields of cfg. Schedule fields of an
	// existing row are left untouched.
	UpsertSecretConfig(ctx context.Context, cfg *models.SecretConfig) error
	GetSecretConfig(ctx context.Context, name string) (*models.SecretConfig, error)
	ListSecretConfigs(ctx context.Context) ([]*models.SecretConfig, error)
	ListDueSecretConfigs(ctx context.Context, now time.Time) ([]*models.SecretConfig, error)
}

type RotationJobRepository interface {
	// CreateJob inserts a pending job together with its first audit entry. It returns
	// ErrActiveJobExists when the secret already has a non-terminal job.
	CreateJob(ctx context.Context, job *models.RotationJob, entry models.AuditEntry) error
	GetJob(ctx context.Context, id string) (*models.RotationJob, error)
	GetActiveJob(ctx context.Context, secretName string) (*models.RotationJob, error)
	// TransitionJob persists job if its stored status is still from, then appends entries.
	// It returns ErrJobStateChanged when the status no longer matches. The stored
	// validation result is only written by UpdateValidationResult.
	TransitionJob(ctx context.Context, job *models.RotationJob, from models.JobStatus, entries ...models.AuditEntry) error
	UpdateValidationResult(ctx context.Context, jobID string, result *models.ValidationResult, entries ...models.AuditEntry) error
	// CompleteJob moves a dual_accept job to completed, advances the owning config
	// schedule and appends the terminal entry atomically.
	CompleteJob(ctx context.Context, job *models.RotationJob, lastRotatedAt, nextDueAt time.Time, entry models.AuditEntry) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.RotationJob, error)
	ListExpiredDualAcceptJobs(ctx context.Context, now time.Time) ([]*models.RotationJob, error)
	ListRecentCompletedJobs(ctx context.Context, limit int) ([]*models.RotationJob, error)
	AppendAuditEntries(ctx context.Context, entries ...models.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error)
}

// Store bundles the repositories the rotation engine depends on.
type Store interface {
	SecretConfigRepository
	RotationJobRepository
	Close() error
}
