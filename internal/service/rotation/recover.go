package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

// ErrAbandonedJob is the cause recorded on jobs failed by FailStaleJobs.
var ErrAbandonedJob = errors.New("rotation job abandoned before reaching dual-accept")

// FailStaleJobs marks pending and in_progress jobs created before cutoff as failed. These
// are left behind by a process that stopped mid-execution and would otherwise keep their
// secret locked. It returns how many jobs were failed.
func (e *Engine) FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := e.store.ListJobs(ctx, repository.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished rotation jobs: %w", err)
	}

	failed := 0
	for _, job := range jobs {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		from := job.Status
		cause := fmt.Errorf("%w: %s since %s", ErrAbandonedJob, from, job.CreatedAt.UTC().Format(time.RFC3339))
		e.fail(ctx, job, from, stageRecover, cause)
		if job.Status == models.JobStatusFailed {
			failed++
		}
	}
	return failed, nil
}
