// Package metrics derives compliance snapshots from the store and exposes them, together with
// rotation event counters, to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/pkg/log"
)

const (
	defaultAverageWindow = 20
	failureLookback      = 24 * time.Hour
	perfectScore         = 100
)

type Aggregator struct {
	store  repository.Store
	window int
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Aggregator)

// WithAverageWindow sets how many recent completed jobs feed the average rotation time.
func WithAverageWindow(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.window = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func NewAggregator(store repository.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		window: defaultAverageWindow,
		now:    time.Now,
		logger: log.Logger.With().Str("component", "metrics_aggregator").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputeMetrics reads the current state of every secret and job. It never writes.
func (a *Aggregator) ComputeMetrics(ctx context.Context) (*models.ComplianceSnapshot, error) {
	now := a.now()
	snapshot := &models.ComplianceSnapshot{ComputedAt: now}

	configs, err := a.store.ListSecretConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret configs: %w", err)
	}
	snapshot.TotalSecrets = len(configs)
	for _, cfg := range configs {
		if cfg.IsOverdue(now) {
			snapshot.OverdueRotations++
		}
	}
	snapshot.ComplianceScore = complianceScore(snapshot.TotalSecrets, snapshot.OverdueRotations)

	active, err := a.store.ListJobs(ctx, repository.JobFilter{Statuses: models.ActiveJobStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	snapshot.PendingRotations = len(active)
	for _, job := range active {
		if job.Status == models.JobStatusDualAccept {
			snapshot.DualAcceptActive++
		}
	}

	since := now.Add(-failureLookback)
	recent, err := a.store.ListJobs(ctx, repository.JobFilter{CreatedAfter: &since})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	for _, job := range recent {
		if job.Status == models.JobStatusFailed || job.ValidationResult.HasSyncFailure() {
			snapshot.FailedRotations24h++
		}
	}

	completed, err := a.store.ListRecentCompletedJobs(ctx, a.window)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed jobs: %w", err)
	}
	snapshot.AverageRotationTimeMinutes = averageMinutes(completed)

	a.logger.Debug().
		Int("total_secrets", snapshot.TotalSecrets).
		Int("overdue", snapshot.OverdueRotations).
		Int("score", snapshot.ComplianceScore).
		Msg("Computed compliance snapshot")
	return snapshot, nil
}

func complianceScore(total, overdue int) int {
	if total == 0 {
		return perfectScore
	}
	return int(math.Round(perfectScore * float64(total-overdue) / float64(total)))
}

func averageMinutes(jobs []*models.RotationJob) float64 {
	var (
		sum   time.Duration
		count int
	)
	for _, job := range jobs {
		if d, ok := job.Duration(); ok {
			sum += d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum.Minutes() / float64(count)
}
