package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

// Complete closes the dual-accept window of a job and advances the secret's schedule.
// It is a no-op for jobs that are not in dual_accept, so duplicate calls are harmless.
func (e *Engine) Complete(ctx context.Context, jobID string) error {
	_, err := e.CompleteJob(ctx, jobID)
	return err
}

// CompleteJob is Complete that also reports whether this call performed the transition.
func (e *Engine) CompleteJob(ctx context.Context, jobID string) (bool, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusDualAccept {
		e.decorateLog(e.logger.Debug, job).Msg("Skipping completion, job is not in dual-accept")
		return false, nil
	}

	cfg, err := e.store.GetSecretConfig(ctx, job.SecretName)
	if err != nil {
		return false, fmt.Errorf("failed to load secret config %s: %w", job.SecretName, err)
	}

	completedAt := e.now()
	nextDueAt := completedAt.Add(cfg.RotationFrequency)
	job.Status = models.JobStatusCompleted
	job.CompletedAt = models.TimePtr(completedAt)
	duration, _ := job.Duration()

	entry := models.NewAuditEntry(job, completedAt, models.AuditActionCompleted, "dual-accept window closed, rotation completed", true).
		WithMetadata("duration_seconds", strconv.FormatInt(int64(duration.Seconds()), 10)).
		WithMetadata("next_rotation_due_at", nextDueAt.UTC().Format(time.RFC3339))

	if err := e.store.CompleteJob(ctx, job, completedAt, nextDueAt, entry); err != nil {
		if errors.Is(err, repository.ErrJobStateChanged) {
			e.decorateLog(e.logger.Info, job).Msg("Job was completed or rolled back concurrently")
			return false, nil
		}
		return false, fmt.Errorf("failed to complete rotation job %s: %w", jobID, err)
	}

	e.decorateLog(e.logger.Info, job).
		Dur("duration", duration).
		Time("next_rotation_due_at", nextDueAt).
		Msg("Rotation completed")
	e.recorder.RotationFinished(models.JobStatusCompleted, duration)
	return true, nil
}
