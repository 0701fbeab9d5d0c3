package models

import (
	"fmt"
	"slices"
	"time"
)

// SecretType selects the generation strategy for a managed secret.
type SecretType string

const (
	SecretTypeAPIKey        SecretType = "api_key"
	SecretTypeWebhookSecret SecretType = "webhook_secret"
	SecretTypePassword      SecretType = "password"
	SecretTypeEncryptionKey SecretType = "encryption_key"
	SecretTypeOAuthSecret   SecretType = "oauth_secret"
)

// SecretTypes lists every supported secret type.
var SecretTypes = []SecretType{
	SecretTypeAPIKey,
	SecretTypeWebhookSecret,
	SecretTypePassword,
	SecretTypeEncryptionKey,
	SecretTypeOAuthSecret,
}

func (t SecretType) String() string {
	return string(t)
}

func (t SecretType) Valid() bool {
	return slices.Contains(SecretTypes, t)
}

func ParseSecretType(s string) (SecretType, error) {
	t := SecretType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown secret type %q", s)
	}
	return t, nil
}

// SecretConfig describes one managed secret and its rotation schedule.
type SecretConfig struct {
	Name               string
	Type               SecretType
	RotationFrequency  time.Duration
	DualAcceptWindow   time.Duration
	SyncTargets        []string
	ValidationProbeRef *string
	RollbackThreshold  time.Duration
	LastRotatedAt      *time.Time
	NextRotationDueAt  time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDue reports whether the secret may be rotated without force at the given time.
func (c *SecretConfig) IsDue(now time.Time) bool {
	return !now.Before(c.NextRotationDueAt)
}

// IsOverdue reports whether the secret is past (or at) its due date.
func (c *SecretConfig) IsOverdue(now time.Time) bool {
	return !c.NextRotationDueAt.After(now)
}

// Clone returns a deep copy safe to hand out from in-memory stores.
func (c *SecretConfig) Clone() *SecretConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SyncTargets = slices.Clone(c.SyncTargets)
	if c.ValidationProbeRef != nil {
		ref := *c.ValidationProbeRef
		cp.ValidationProbeRef = &ref
	}
	if c.LastRotatedAt != nil {
		t := *c.LastRotatedAt
		cp.LastRotatedAt = &t
	}
	return &cp
}
