package configprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret-rotator/internal/config"
)

func TestGetSection(t *testing.T) {
	cfg := &config.Config{
		ID:       "rotator-1",
		LogLevel: "debug",
		Vault:    config.Vault{Address: "http://vault:8200", Token: "root"},
		Secrets:  []config.Secret{{Name: "payments-api-key", Type: "api_key"}},
	}

	tests := []struct {
		name        string
		section     string
		expected    any
		errContains string
	}{
		{name: "whole config", section: "", expected: cfg},
		{name: "id", section: "id", expected: map[string]string{"id": "rotator-1"}},
		{name: "vault", section: "vault", expected: cfg.Vault},
		{name: "secrets", section: "secrets", expected: cfg.Secrets},
		{name: "unknown", section: "main_cluster", errContains: "unknown section: main_cluster (valid: id, log_level, metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := getSection(cfg, tt.section)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestGetSectionIsRedactedByCaller(t *testing.T) {
	cfg := &config.Config{Vault: config.Vault{Address: "http://vault:8200", Token: "root"}}

	out, err := getSection(cfg.Redacted(), "vault")

	require.NoError(t, err)
	assert.Equal(t, "xxxxx", out.(config.Vault).Token)
	assert.Equal(t, "root", cfg.Vault.Token)
}
