package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuditAction(t *testing.T) {
	action, err := ParseAuditAction("rolled_back")
	require.NoError(t, err)
	assert.Equal(t, AuditActionRolledBack, action)

	_, err = ParseAuditAction("deleted")
	assert.EqualError(t, err, `unknown audit action "deleted"`)
}

func TestNewAuditEntryBuilders(t *testing.T) {
	at := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	job := &RotationJob{ID: "job-1", SecretName: "payments-api-key"}

	entry := NewAuditEntry(job, at, AuditActionRolledBack, "clients rejected key", true).
		WithActor("bob").
		WithError(errors.New("restore failed")).
		WithMetadata("restored", "false")

	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, "payments-api-key", entry.SecretName)
	assert.Equal(t, at, entry.Timestamp)
	require.NotNil(t, entry.Actor)
	assert.Equal(t, "bob", *entry.Actor)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "restore failed", *entry.Error)
	assert.Equal(t, Metadata{"restored": "false"}, entry.Metadata)

	clone := entry.Clone()
	clone.Metadata["restored"] = "true"
	*clone.Actor = "eve"
	assert.Equal(t, "false", entry.Metadata["restored"])
	assert.Equal(t, "bob", *entry.Actor)
}
