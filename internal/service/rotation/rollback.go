package rotation

import (
	"context"
	"errors"
	"fmt"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/internal/vault"
)

const maxRollbackAttempts = 3

// Rollback restores the previous vault version, when there is one, and marks the job
// rolled_back. The secret's due date is left alone so it becomes due again promptly.
func (e *Engine) Rollback(ctx context.Context, jobID, reason, actor string) (*models.RotationJob, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanRollback() {
		return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Operation: "rollback"}
	}

	outcome, restoreErr := e.restorePrevious(ctx, job)

	for attempt := 1; ; attempt++ {
		from := job.Status
		job.Status = models.JobStatusRolledBack

		entry := models.NewAuditEntry(job, e.now(), models.AuditActionRolledBack, reason, restoreErr == nil).
			WithActor(actor).
			WithError(restoreErr).
			WithMetadata("restore_outcome", outcome).
			WithMetadata("from_status", from.String())

		err = e.store.TransitionJob(ctx, job, from, entry)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrJobStateChanged) || attempt == maxRollbackAttempts {
			return nil, fmt.Errorf("failed to roll back job %s: %w", jobID, err)
		}

		// A sweep may have completed the job meanwhile; completed jobs can still be rolled back.
		job, err = e.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !job.Status.CanRollback() {
			return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Operation: "rollback"}
		}
	}

	e.decorateLog(e.logger.Warn, job).
		Str("actor", actor).
		Str("reason", reason).
		Str("restore_outcome", outcome).
		Msg("Rotation rolled back")
	e.recorder.RollbackRecorded(restoreErr == nil)

	return e.getJob(ctx, jobID)
}

func (e *Engine) restorePrevious(ctx context.Context, job *models.RotationJob) (string, error) {
	if job.OldVersionRef == nil {
		return "skipped: no previous version", nil
	}

	vaultCtx, cancel := context.WithTimeout(ctx, e.timeouts.Vault)
	defer cancel()

	ref := vault.VersionRef(*job.OldVersionRef)
	if err := e.vault.RestoreVersion(vaultCtx, job.SecretName, ref); err != nil {
		e.decorateLog(e.logger.Error, job).Str("version", ref.String()).Err(err).Msg("Failed to restore previous version")
		return "failed: " + err.Error(), err
	}
	return "restored version " + ref.String(), nil
}
