package probe

import (
	"context"
	"fmt"
	"net/http"

	"secret-rotator/internal/config"
	"secret-rotator/internal/vault"
)

// Result is the outcome of one probe run. A probe that could not run returns an error instead.
type Result struct {
	Passed bool
	Detail string
}

// Probe checks that a freshly rotated secret is usable.
type Probe interface {
	Name() string
	Probe(ctx context.Context, secretName string) (Result, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewFromConfig builds the configured probes keyed by name.
func NewFromConfig(cfgs []config.Probe, store vault.SecretStore, client HTTPDoer) (map[string]Probe, error) {
	probes := make(map[string]Probe, len(cfgs))
	for _, c := range cfgs {
		switch c.Kind {
		case config.ProbeKindHTTP:
			probes[c.Name] = NewHTTPProbe(c.Name, c.URL, c.Header, c.ExpectedStatus, store, client)
		case config.ProbeKindVault:
			probes[c.Name] = NewVaultProbe(c.Name, store)
		default:
			return nil, fmt.Errorf("probe %s: unsupported kind %q", c.Name, c.Kind)
		}
	}
	return probes, nil
}
