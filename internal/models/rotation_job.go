package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// JobStatus is the state of a rotation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDualAccept JobStatus = "dual_accept"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRolledBack JobStatus = "rolled_back"
)

// ActiveJobStatuses are the non-terminal statuses; at most one job per secret may hold one.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusInProgress, JobStatusDualAccept}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusRolledBack:
		return true
	default:
		return false
	}
}

func (s JobStatus) CanRollback() bool {
	return s == JobStatusDualAccept || s == JobStatusCompleted
}

func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusInProgress, JobStatusDualAccept,
		JobStatusCompleted, JobStatusFailed, JobStatusRolledBack:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// ProbeOutcome is the recorded result of a validation probe run.
type ProbeOutcome struct {
	Probe     string    `json:"probe"`
	Passed    bool      `json:"passed"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ValidationResult collects the advisory checks run while a job is in dual_accept.
type ValidationResult struct {
	EndpointTested     *ProbeOutcome     `json:"endpoint_tested,omitempty"`
	ExternalSyncStatus map[string]bool   `json:"external_sync_status,omitempty"`
	ExternalSyncErrors map[string]string `json:"external_sync_errors,omitempty"`
}

// HasSyncFailure reports whether any sync target failed.
func (v *ValidationResult) HasSyncFailure() bool {
	if v == nil {
		return false
	}
	for _, ok := range v.ExternalSyncStatus {
		if !ok {
			return true
		}
	}
	return false
}

func (v *ValidationResult) Clone() *ValidationResult {
	if v == nil {
		return nil
	}
	cp := *v
	if v.EndpointTested != nil {
		et := *v.EndpointTested
		cp.EndpointTested = &et
	}
	cp.ExternalSyncStatus = maps.Clone(v.ExternalSyncStatus)
	cp.ExternalSyncErrors = maps.Clone(v.ExternalSyncErrors)
	return &cp
}

func (v ValidationResult) Value() (driver.Value, error) {
	return json.Marshal(v)
}

func (v *ValidationResult) Scan(src any) error {
	return scanJSON(src, v)
}

// RotationJob is one attempt to rotate one named secret.
type RotationJob struct {
	ID                  string
	SecretName          string
	Status              JobStatus
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	OldVersionRef       *string
	NewVersionRef       *string
	DualAcceptStartedAt *time.Time
	DualAcceptEndsAt    *time.Time
	InitiatedBy         string
	Error               *string
	ValidationResult    *ValidationResult
	AuditTrail          []AuditEntry
}

// Duration returns completed_at - started_at when both are known.
func (j *RotationJob) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// Clone returns a deep copy.
func (j *RotationJob) Clone() *RotationJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.DualAcceptStartedAt = cloneTime(j.DualAcceptStartedAt)
	cp.DualAcceptEndsAt = cloneTime(j.DualAcceptEndsAt)
	cp.OldVersionRef = cloneString(j.OldVersionRef)
	cp.NewVersionRef = cloneString(j.NewVersionRef)
	cp.Error = cloneString(j.Error)
	cp.ValidationResult = j.ValidationResult.Clone()
	cp.AuditTrail = make([]AuditEntry, 0, len(j.AuditTrail))
	for _, e := range j.AuditTrail {
		cp.AuditTrail = append(cp.AuditTrail, e.Clone())
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// StringSet is a JSON-encoded list of unique names stored in a single column.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	sorted := slices.Clone([]string(s))
	slices.Sort(sorted)
	return json.Marshal(slices.Compact(sorted))
}

func (s *StringSet) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
