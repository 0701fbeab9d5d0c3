package rotation

import (
	"context"
	"errors"
	"fmt"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

// CheckDueSecrets returns the names of secrets whose next rotation is due now or earlier.
func (e *Engine) CheckDueSecrets(ctx context.Context) ([]string, error) {
	configs, err := e.store.ListDueSecretConfigs(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due secrets: %w", err)
	}
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		names = append(names, cfg.Name)
	}
	return names, nil
}

func (e *Engine) GetJob(ctx context.Context, id string) (*models.RotationJob, error) {
	return e.getJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.RotationJob, error) {
	jobs, err := e.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation jobs: %w", err)
	}
	return jobs, nil
}

func (e *Engine) ListAuditLog(ctx context.Context, filter repository.AuditFilter) ([]models.AuditEntry, error) {
	entries, err := e.store.ListAuditEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (e *Engine) getJob(ctx context.Context, id string) (*models.RotationJob, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, &NotFoundError{Resource: "rotation job", ID: id}
		}
		return nil, fmt.Errorf("failed to load rotation job %s: %w", id, err)
	}
	return job, nil
}
