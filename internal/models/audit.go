package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// AuditAction names the event an audit entry records.
type AuditAction string

const (
	AuditActionCreated    AuditAction = "created"
	AuditActionRotated    AuditAction = "rotated"
	AuditActionValidated  AuditAction = "validated"
	AuditActionSynced     AuditAction = "synced"
	AuditActionFailed     AuditAction = "failed"
	AuditActionCompleted  AuditAction = "completed"
	AuditActionRolledBack AuditAction = "rolled_back"
	AuditActionExpired    AuditAction = "expired"
)

func (a AuditAction) String() string {
	return string(a)
}

func ParseAuditAction(s string) (AuditAction, error) {
	switch a := AuditAction(s); a {
	case AuditActionCreated, AuditActionRotated, AuditActionValidated, AuditActionSynced,
		AuditActionFailed, AuditActionCompleted, AuditActionRolledBack, AuditActionExpired:
		return a, nil
	default:
		return "", fmt.Errorf("unknown audit action %q", s)
	}
}

// Metadata is a string map persisted as JSON.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}

func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// AuditEntry is an append-only record owned by the job that produced it.
type AuditEntry struct {
	ID         int64       `db:"id" json:"id" yaml:"id"`
	JobID      string      `db:"job_id" json:"job_id" yaml:"job_id"`
	SecretName string      `db:"secret_name" json:"secret_name" yaml:"secret_name"`
	Timestamp  time.Time   `db:"occurred_at" json:"timestamp" yaml:"timestamp"`
	Action     AuditAction `db:"action" json:"action" yaml:"action"`
	Details    string      `db:"details" json:"details" yaml:"details"`
	Actor      *string     `db:"actor" json:"actor,omitempty" yaml:"actor,omitempty"`
	Success    bool        `db:"success" json:"success" yaml:"success"`
	Error      *string     `db:"error" json:"error,omitempty" yaml:"error,omitempty"`
	Metadata   Metadata    `db:"metadata" json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (e AuditEntry) Clone() AuditEntry {
	cp := e
	cp.Actor = cloneString(e.Actor)
	cp.Error = cloneString(e.Error)
	cp.Metadata = maps.Clone(e.Metadata)
	return cp
}

// NewAuditEntry builds an entry stamped for the given job.
func NewAuditEntry(job *RotationJob, at time.Time, action AuditAction, details string, success bool) AuditEntry {
	return AuditEntry{
		JobID:      job.ID,
		SecretName: job.SecretName,
		Timestamp:  at,
		Action:     action,
		Details:    details,
		Success:    success,
		Metadata:   Metadata{},
	}
}

func (e AuditEntry) WithActor(actor string) AuditEntry {
	if actor != "" {
		e.Actor = &actor
	}
	return e
}

func (e AuditEntry) WithError(err error) AuditEntry {
	if err != nil {
		msg := err.Error()
		e.Error = &msg
	}
	return e
}

func (e AuditEntry) WithMetadata(key, value string) AuditEntry {
	md := maps.Clone(e.Metadata)
	if md == nil {
		md = Metadata{}
	}
	md[key] = value
	e.Metadata = md
	return e
}
