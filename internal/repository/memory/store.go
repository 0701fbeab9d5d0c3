// Package memory is a mutex-guarded Store used by tests and the "memory" storage driver.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
)

type Store struct {
	mu      sync.RWMutex
	configs map[string]*models.SecretConfig
	jobs    map[string]*models.RotationJob
	audit   []models.AuditEntry
	nextID  int64
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		configs: make(map[string]*models.SecretConfig),
		jobs:    make(map[string]*models.RotationJob),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) UpsertSecretConfig(_ context.Context, cfg *models.SecretConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.configs[cfg.Name]
	stored := cfg.Clone()
	if ok {
		stored.LastRotatedAt = existing.LastRotatedAt
		stored.NextRotationDueAt = existing.NextRotationDueAt
		stored.CreatedAt = existing.CreatedAt
	}
	s.configs[cfg.Name] = stored
	return nil
}

func (s *Store) GetSecretConfig(_ context.Context, name string) (*models.SecretConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return nil, repository.ErrSecretConfigNotFound
	}
	return cfg.Clone(), nil
}

func (s *Store) ListSecretConfigs(_ context.Context) ([]*models.SecretConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.SecretConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		result = append(result, cfg.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) ListDueSecretConfigs(ctx context.Context, now time.Time) ([]*models.SecretConfig, error) {
	all, _ := s.ListSecretConfigs(ctx)
	due := make([]*models.SecretConfig, 0)
	for _, cfg := range all {
		if cfg.IsOverdue(now) {
			due = append(due, cfg)
		}
	}
	return due, nil
}

func (s *Store) CreateJob(_ context.Context, job *models.RotationJob, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[job.SecretName]; !ok {
		return repository.ErrSecretConfigNotFound
	}
	if s.activeJobLocked(job.SecretName) != nil {
		return repository.ErrActiveJobExists
	}
	stored := job.Clone()
	stored.AuditTrail = nil
	s.jobs[job.ID] = stored
	s.appendLocked(entry)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return s.withTrailLocked(job), nil
}

func (s *Store) GetActiveJob(_ context.Context, secretName string) (*models.RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job := s.activeJobLocked(secretName)
	if job == nil {
		return nil, repository.ErrJobNotFound
	}
	return s.withTrailLocked(job), nil
}

func (s *Store) TransitionJob(_ context.Context, job *models.RotationJob, from models.JobStatus, entries ...models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return repository.ErrJobNotFound
	}
	if current.Status != from {
		return repository.ErrJobStateChanged
	}
	stored := job.Clone()
	stored.AuditTrail = nil
	stored.ValidationResult = current.ValidationResult.Clone()
	s.jobs[job.ID] = stored
	for _, e := range entries {
		s.appendLocked(e)
	}
	return nil
}

func (s *Store) UpdateValidationResult(_ context.Context, jobID string, result *models.ValidationResult, entries ...models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	withResult := current.Clone()
	withResult.ValidationResult = result.Clone()
	s.jobs[jobID] = withResult
	for _, e := range entries {
		s.appendLocked(e)
	}
	return nil
}

func (s *Store) CompleteJob(
	_ context.Context,
	job *models.RotationJob,
	lastRotatedAt, nextDueAt time.Time,
	entry models.AuditEntry,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return repository.ErrJobNotFound
	}
	if current.Status != models.JobStatusDualAccept {
		return repository.ErrJobStateChanged
	}
	cfg, ok := s.configs[job.SecretName]
	if !ok {
		return repository.ErrSecretConfigNotFound
	}

	completed := current.Clone()
	completed.Status = models.JobStatusCompleted
	completed.CompletedAt = models.TimePtr(lastRotatedAt)
	s.jobs[job.ID] = completed

	updated := cfg.Clone()
	updated.LastRotatedAt = models.TimePtr(lastRotatedAt)
	updated.NextRotationDueAt = nextDueAt
	updated.UpdatedAt = lastRotatedAt
	s.configs[job.SecretName] = updated

	s.appendLocked(entry)
	return nil
}

func (s *Store) ListJobs(_ context.Context, filter repository.JobFilter) ([]*models.RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.RotationJob, 0)
	for _, job := range s.jobs {
		if filter.SecretName != "" && job.SecretName != filter.SecretName {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		if filter.CreatedAfter != nil && job.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		result = append(result, s.withTrailLocked(job))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListExpiredDualAcceptJobs(_ context.Context, now time.Time) ([]*models.RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.RotationJob, 0)
	for _, job := range s.jobs {
		if job.Status != models.JobStatusDualAccept || job.DualAcceptEndsAt == nil {
			continue
		}
		if !job.DualAcceptEndsAt.After(now) {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DualAcceptEndsAt.Before(*result[j].DualAcceptEndsAt) })
	return result, nil
}

func (s *Store) ListRecentCompletedJobs(_ context.Context, limit int) ([]*models.RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.RotationJob, 0)
	for _, job := range s.jobs {
		if job.Status == models.JobStatusCompleted && job.CompletedAt != nil {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CompletedAt.After(*result[j].CompletedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AppendAuditEntries(_ context.Context, entries ...models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.jobs[e.JobID]; !ok {
			return repository.ErrJobNotFound
		}
	}
	for _, e := range entries {
		s.appendLocked(e)
	}
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, filter repository.AuditFilter) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.AuditEntry, 0)
	for _, e := range s.audit {
		if filter.JobID != "" && e.JobID != filter.JobID {
			continue
		}
		if filter.SecretName != "" && e.SecretName != filter.SecretName {
			continue
		}
		if len(filter.Actions) > 0 && !slices.Contains(filter.Actions, e.Action) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		result = append(result, e.Clone())
	}
	sortAudit(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

func (s *Store) activeJobLocked(secretName string) *models.RotationJob {
	for _, job := range s.jobs {
		if job.SecretName == secretName && !job.Status.IsTerminal() {
			return job
		}
	}
	return nil
}

func (s *Store) appendLocked(e models.AuditEntry) {
	s.nextID++
	stored := e.Clone()
	stored.ID = s.nextID
	s.audit = append(s.audit, stored)
}

func (s *Store) withTrailLocked(job *models.RotationJob) *models.RotationJob {
	cp := job.Clone()
	cp.AuditTrail = make([]models.AuditEntry, 0)
	for _, e := range s.audit {
		if e.JobID == job.ID {
			cp.AuditTrail = append(cp.AuditTrail, e.Clone())
		}
	}
	sortAudit(cp.AuditTrail)
	return cp
}

func sortAudit(entries []models.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
