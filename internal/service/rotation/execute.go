package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/internal/vault"
	"secret-rotator/pkg/converter"
)

const (
	stageStart    = "start"
	stageGenerate = "generate"
	stageCreate   = "vault_create"
	stageRead     = "vault_read_latest"
	stageWrite    = "vault_add_version"
	stageEnter    = "enter_dual_accept"
	stageRecover  = "recover_stale"

	probeNotConfigured = "probe not configured"
)

// execute moves a pending job to dual_accept. Any failure before dual_accept marks the job
// failed; validation and sync afterwards are advisory.
func (e *Engine) execute(ctx context.Context, job *models.RotationJob, cfg *models.SecretConfig) {
	stage := stageStart
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			if job.Status == models.JobStatusInProgress {
				e.fail(ctx, job, models.JobStatusInProgress, stage, err)
				return
			}
			e.decorateLog(e.logger.Error, job).Str("stage", stage).Err(err).Msg("Recovered from panic in rotation job")
		}
	}()

	startedAt := e.now()
	job.Status = models.JobStatusInProgress
	job.StartedAt = models.TimePtr(startedAt)
	if err := e.store.TransitionJob(ctx, job, models.JobStatusPending); err != nil {
		job.Status = models.JobStatusPending
		if errors.Is(err, repository.ErrJobStateChanged) {
			e.decorateLog(e.logger.Warn, job).Err(err).Msg("Rotation job was picked up elsewhere")
			return
		}
		e.fail(ctx, job, models.JobStatusPending, stage, err)
		return
	}

	stage = stageGenerate
	secret, err := e.generator.Generate(cfg.Type)
	if err != nil {
		e.fail(ctx, job, models.JobStatusInProgress, stage, err)
		return
	}
	buf, err := secret.Open()
	if err != nil {
		e.fail(ctx, job, models.JobStatusInProgress, stage, err)
		return
	}
	defer buf.Destroy()

	stage = stageCreate
	oldRef, newRef, stage, err := e.storeNewVersion(ctx, cfg.Name, buf.Bytes())
	if err != nil {
		e.fail(ctx, job, models.JobStatusInProgress, stage, err)
		return
	}

	stage = stageEnter
	windowStart := e.now()
	windowEnd := windowStart.Add(cfg.DualAcceptWindow)
	job.Status = models.JobStatusDualAccept
	if oldRef != "" {
		job.OldVersionRef = models.StringPtr(oldRef.String())
	}
	job.NewVersionRef = models.StringPtr(newRef.String())
	job.DualAcceptStartedAt = models.TimePtr(windowStart)
	job.DualAcceptEndsAt = models.TimePtr(windowEnd)

	entry := models.NewAuditEntry(job, windowStart, models.AuditActionRotated, "new version stored, dual-accept window open", true).
		WithMetadata("new_version", newRef.String()).
		WithMetadata("dual_accept_started_at", windowStart.UTC().Format(time.RFC3339)).
		WithMetadata("dual_accept_ends_at", windowEnd.UTC().Format(time.RFC3339))
	if oldRef != "" {
		entry = entry.WithMetadata("old_version", oldRef.String())
	}
	// The new version already exists in vault, so the job must reach dual_accept even when
	// execution is being cancelled.
	persistCtx, cancel := e.persistContext(ctx)
	err = e.store.TransitionJob(persistCtx, job, models.JobStatusInProgress, entry)
	cancel()
	if err != nil {
		job.Status = models.JobStatusInProgress
		e.fail(ctx, job, models.JobStatusInProgress, stage, err)
		return
	}
	e.decorateLog(e.logger.Info, job).
		Str("new_version", newRef.String()).
		Time("dual_accept_ends_at", windowEnd).
		Msg("Rotation entered dual-accept window")

	e.runAdvisoryChecks(ctx, job, cfg, buf.Bytes())
}

// storeNewVersion writes value as the newest version. It returns the stage that failed.
func (e *Engine) storeNewVersion(ctx context.Context, name string, value []byte) (vault.VersionRef, vault.VersionRef, string, error) {
	vaultCtx, cancel := context.WithTimeout(ctx, e.timeouts.Vault)
	defer cancel()

	if err := e.vault.CreateSecret(vaultCtx, name); err != nil {
		return "", "", stageCreate, err
	}

	oldRef, err := e.vault.GetLatestVersion(vaultCtx, name)
	if err != nil {
		if !errors.Is(err, vault.ErrSecretNotFound) {
			return "", "", stageRead, err
		}
		oldRef = ""
	}

	newRef, err := e.vault.AddVersion(vaultCtx, name, value)
	if err != nil {
		return "", "", stageWrite, err
	}
	return oldRef, newRef, "", nil
}

// persistContext bounds state writes that must land even after ctx is cancelled.
func (e *Engine) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// fail records the job as failed. A job left in_progress would block its secret for good,
// so the write ignores cancellation of ctx.
func (e *Engine) fail(ctx context.Context, job *models.RotationJob, from models.JobStatus, stage string, cause error) {
	execErr := &ExecutionError{JobID: job.ID, Stage: stage, Err: cause}
	failedAt := e.now()

	job.Status = models.JobStatusFailed
	job.CompletedAt = models.TimePtr(failedAt)
	job.Error = models.StringPtr(execErr.Error())

	entry := models.NewAuditEntry(job, failedAt, models.AuditActionFailed, "rotation failed during "+stage, false).
		WithError(cause).
		WithMetadata("stage", stage)

	persistCtx, cancel := e.persistContext(ctx)
	defer cancel()
	if err := e.store.TransitionJob(persistCtx, job, from, entry); err != nil {
		job.Status = from
		e.decorateLog(e.logger.Error, job).Err(err).AnErr("cause", execErr).Msg("Failed to record rotation failure")
		return
	}
	e.decorateLog(e.logger.Error, job).Str("stage", stage).Err(cause).Msg("Rotation job failed")

	var elapsed time.Duration
	if job.StartedAt != nil {
		elapsed = failedAt.Sub(*job.StartedAt)
	}
	e.recorder.RotationFinished(models.JobStatusFailed, elapsed)
}

// runAdvisoryChecks runs the validation probe and sync pushes. Their outcome is recorded
// on the job but never changes its status.
func (e *Engine) runAdvisoryChecks(ctx context.Context, job *models.RotationJob, cfg *models.SecretConfig, value []byte) {
	if cfg.ValidationProbeRef == nil && len(cfg.SyncTargets) == 0 {
		return
	}

	result := &models.ValidationResult{}
	var entries []models.AuditEntry

	if cfg.ValidationProbeRef != nil {
		outcome := e.runProbe(ctx, *cfg.ValidationProbeRef, cfg.Name)
		result.EndpointTested = &outcome
		entries = append(entries,
			models.NewAuditEntry(job, outcome.CheckedAt, models.AuditActionValidated, outcome.Detail, outcome.Passed).
				WithMetadata("probe", outcome.Probe))
		e.recorder.ValidationRecorded(outcome.Passed)
	}

	if len(cfg.SyncTargets) > 0 && e.stillDualAccept(ctx, job) {
		report := e.syncer.Push(ctx, cfg.Name, value, cfg.SyncTargets)
		result.ExternalSyncStatus = report.Status
		if len(report.Errors) > 0 {
			result.ExternalSyncErrors = report.Errors
		}
		entries = append(entries, e.syncEntry(job, report.Status, report.Errors))
	}
	if len(entries) == 0 {
		return
	}

	persistCtx, cancel := e.persistContext(ctx)
	defer cancel()
	if err := e.store.UpdateValidationResult(persistCtx, job.ID, result, entries...); err != nil {
		e.decorateLog(e.logger.Error, job).Err(err).Msg("Failed to record validation result")
		return
	}
	job.ValidationResult = result
}

// stillDualAccept reports whether the job is still in its window. A job rolled back while
// its probe ran must not have the abandoned value pushed to sync targets.
func (e *Engine) stillDualAccept(ctx context.Context, job *models.RotationJob) bool {
	current, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		e.decorateLog(e.logger.Warn, job).Err(err).Msg("Could not reload rotation job, skipping sync")
		return false
	}
	if current.Status != models.JobStatusDualAccept {
		e.decorateLog(e.logger.Warn, current).Msg("Rotation left dual-accept before sync, skipping push")
		return false
	}
	return true
}

func (e *Engine) runProbe(ctx context.Context, ref, secretName string) models.ProbeOutcome {
	p, ok := e.probes[ref]
	if !ok {
		return models.ProbeOutcome{Probe: ref, Passed: false, Detail: probeNotConfigured, CheckedAt: e.now()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.timeouts.Validation)
	defer cancel()

	res, err := p.Probe(probeCtx, secretName)
	outcome := models.ProbeOutcome{Probe: ref, Passed: res.Passed, Detail: res.Detail, CheckedAt: e.now()}
	if err != nil {
		outcome.Passed = false
		outcome.Detail = err.Error()
	}
	return outcome
}

func (e *Engine) syncEntry(job *models.RotationJob, status map[string]bool, errs map[string]string) models.AuditEntry {
	var succeeded, failed []string
	for _, target := range converter.SortedKeys(status) {
		if status[target] {
			succeeded = append(succeeded, target)
		} else {
			failed = append(failed, target)
		}
	}

	details := fmt.Sprintf("synced %d/%d targets", len(succeeded), len(status))
	entry := models.NewAuditEntry(job, e.now(), models.AuditActionSynced, details, len(failed) == 0)
	if len(succeeded) > 0 {
		entry = entry.WithMetadata("succeeded", strings.Join(succeeded, ","))
	}
	if len(failed) > 0 {
		entry = entry.WithMetadata("failed", strings.Join(failed, ","))
		msgs := make([]string, 0, len(failed))
		for _, target := range failed {
			msgs = append(msgs, target+": "+errs[target])
		}
		entry.Error = models.StringPtr(strings.Join(msgs, "; "))
	}
	return entry
}
