package repository

import (
	"time"

	"secret-rotator/internal/models"
)

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	SecretName   string
	Statuses     []models.JobStatus
	CreatedAfter *time.Time
	Limit        int
}

// AuditFilter narrows ListAuditEntries. Zero values match everything.
type AuditFilter struct {
	JobID      string
	SecretName string
	Actions    []models.AuditAction
	Since      *time.Time
	Limit      int
}
