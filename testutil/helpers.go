package testutil

import (
	"os"
	"testing"
)

// SkipIfNoIntegration skips container-backed tests when SKIP_INTEGRATION_TESTS=true.
func SkipIfNoIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests")
	}
}
