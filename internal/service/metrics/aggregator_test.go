package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/internal/repository/memory"
)

var now = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time {
	return now
}

func addConfig(t *testing.T, store *memory.Store, name string, dueAt time.Time) {
	t.Helper()
	require.NoError(t, store.UpsertSecretConfig(context.Background(), &models.SecretConfig{
		Name:              name,
		Type:              models.SecretTypeAPIKey,
		RotationFrequency: 30 * 24 * time.Hour,
		DualAcceptWindow:  time.Hour,
		NextRotationDueAt: dueAt,
	}))
}

func createJob(t *testing.T, store *memory.Store, id, secret string, createdAt time.Time) *models.RotationJob {
	t.Helper()
	job := &models.RotationJob{
		ID:          id,
		SecretName:  secret,
		Status:      models.JobStatusPending,
		CreatedAt:   createdAt,
		InitiatedBy: "op1",
	}
	require.NoError(t, store.CreateJob(context.Background(), job,
		models.NewAuditEntry(job, createdAt, models.AuditActionCreated, "", true)))
	return job
}

func transition(t *testing.T, store *memory.Store, job *models.RotationJob, to models.JobStatus) {
	t.Helper()
	from := job.Status
	job.Status = to
	if job.StartedAt == nil {
		job.StartedAt = models.TimePtr(job.CreatedAt)
	}
	if to == models.JobStatusDualAccept {
		job.DualAcceptStartedAt = models.TimePtr(job.CreatedAt)
		job.DualAcceptEndsAt = models.TimePtr(job.CreatedAt.Add(time.Hour))
	}
	require.NoError(t, store.TransitionJob(context.Background(), job, from))
}

func complete(t *testing.T, store *memory.Store, job *models.RotationJob, at time.Time) {
	t.Helper()
	transition(t, store, job, models.JobStatusDualAccept)
	require.NoError(t, store.CompleteJob(context.Background(), job, at, at.Add(30*24*time.Hour),
		models.NewAuditEntry(job, at, models.AuditActionCompleted, "", true)))
}

func TestComputeMetricsNoSecrets(t *testing.T) {
	snapshot, err := NewAggregator(memory.NewStore(), WithClock(fixedNow)).ComputeMetrics(context.Background())

	require.NoError(t, err)
	assert.Equal(t, &models.ComplianceSnapshot{ComplianceScore: 100, ComputedAt: now}, snapshot)
}

func TestComputeMetricsComplianceScore(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		overdue int
		want    int
	}{
		{"two of five overdue", 5, 2, 60},
		{"none overdue", 3, 0, 100},
		{"all overdue", 4, 4, 0},
		{"rounds half up", 8, 1, 88},
		{"rounds down", 3, 1, 67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			for i := range tt.total {
				dueAt := now.Add(time.Duration(i+1) * time.Hour)
				if i < tt.overdue {
					dueAt = now.Add(-time.Duration(i+1) * time.Hour)
				}
				addConfig(t, store, string(rune('a'+i)), dueAt)
			}

			snapshot, err := NewAggregator(store, WithClock(fixedNow)).ComputeMetrics(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.total, snapshot.TotalSecrets)
			assert.Equal(t, tt.overdue, snapshot.OverdueRotations)
			assert.Equal(t, tt.want, snapshot.ComplianceScore)
		})
	}
}

func TestComputeMetricsDueNowCountsAsOverdue(t *testing.T) {
	store := memory.NewStore()
	addConfig(t, store, "k1", now)

	snapshot, err := NewAggregator(store, WithClock(fixedNow)).ComputeMetrics(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.OverdueRotations)
	assert.Equal(t, 0, snapshot.ComplianceScore)
}

func seedJobs(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		addConfig(t, store, name, now.Add(time.Hour))
	}

	createJob(t, store, "j1", "s1", now.Add(-time.Hour))

	j2 := createJob(t, store, "j2", "s2", now.Add(-time.Hour))
	transition(t, store, j2, models.JobStatusDualAccept)

	j3 := createJob(t, store, "j3", "s3", now.Add(-2*time.Hour))
	transition(t, store, j3, models.JobStatusFailed)

	j4 := createJob(t, store, "j4", "s4", now.Add(-48*time.Hour))
	transition(t, store, j4, models.JobStatusFailed)

	j5 := createJob(t, store, "j5", "s5", now.Add(-3*time.Hour))
	require.NoError(t, store.UpdateValidationResult(context.Background(), "j5", &models.ValidationResult{
		ExternalSyncStatus: map[string]bool{"aws": true, "hook": false},
	}))
	complete(t, store, j5, now.Add(-time.Hour))

	j6 := createJob(t, store, "j6", "s4", now.Add(-50*time.Hour))
	complete(t, store, j6, now.Add(-49*time.Hour))
	return store
}

func TestComputeMetricsJobCounts(t *testing.T) {
	store := seedJobs(t)

	snapshot, err := NewAggregator(store, WithClock(fixedNow)).ComputeMetrics(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, snapshot.TotalSecrets)
	assert.Equal(t, 2, snapshot.PendingRotations)
	assert.Equal(t, 1, snapshot.DualAcceptActive)
	assert.Equal(t, 2, snapshot.FailedRotations24h)
	assert.InDelta(t, 90.0, snapshot.AverageRotationTimeMinutes, 0.001)
	assert.Equal(t, 100, snapshot.ComplianceScore)
}

func TestComputeMetricsAverageWindow(t *testing.T) {
	store := seedJobs(t)

	snapshot, err := NewAggregator(store, WithClock(fixedNow), WithAverageWindow(1)).ComputeMetrics(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 120.0, snapshot.AverageRotationTimeMinutes, 0.001)
}

func TestComputeMetricsIsReadOnly(t *testing.T) {
	store := seedJobs(t)
	before, err := store.ListAuditEntries(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)

	_, err = NewAggregator(store, WithClock(fixedNow)).ComputeMetrics(context.Background())
	require.NoError(t, err)

	after, err := store.ListAuditEntries(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) ListSecretConfigs(context.Context) ([]*models.SecretConfig, error) {
	return nil, errors.New("database is unavailable")
}

func TestComputeMetricsPropagatesStoreErrors(t *testing.T) {
	_, err := NewAggregator(failingStore{memory.NewStore()}).ComputeMetrics(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list secret configs")
}
