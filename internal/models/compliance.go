package models

import "time"

// ComplianceSnapshot is a point-in-time aggregate over all secrets and jobs.
type ComplianceSnapshot struct {
	TotalSecrets               int       `json:"total_secrets" yaml:"total_secrets"`
	PendingRotations           int       `json:"pending_rotations" yaml:"pending_rotations"`
	OverdueRotations           int       `json:"overdue_rotations" yaml:"overdue_rotations"`
	FailedRotations24h         int       `json:"failed_rotations_24h" yaml:"failed_rotations_24h"`
	AverageRotationTimeMinutes float64   `json:"average_rotation_time_minutes" yaml:"average_rotation_time_minutes"`
	DualAcceptActive           int       `json:"dual_accept_active" yaml:"dual_accept_active"`
	ComplianceScore            int       `json:"compliance_score" yaml:"compliance_score"`
	ComputedAt                 time.Time `json:"computed_at" yaml:"computed_at"`
}
