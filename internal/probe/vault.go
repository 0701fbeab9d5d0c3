package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"secret-rotator/internal/vault"
)

// VaultProbe passes when the latest version can be read back and is not empty.
type VaultProbe struct {
	name  string
	store vault.SecretStore
}

func NewVaultProbe(name string, store vault.SecretStore) *VaultProbe {
	return &VaultProbe{name: name, store: store}
}

func (p *VaultProbe) Name() string {
	return p.name
}

func (p *VaultProbe) Probe(ctx context.Context, secretName string) (Result, error) {
	value, version, err := p.store.ReadLatest(ctx, secretName)
	switch {
	case errors.Is(err, vault.ErrSecretNotFound), errors.Is(err, vault.ErrEmptySecretValue):
		return Result{Passed: false, Detail: err.Error()}, nil
	case err != nil:
		return Result{}, fmt.Errorf("failed to read back %s: %w", secretName, err)
	}
	memguard.WipeBytes(value)

	return Result{Passed: true, Detail: fmt.Sprintf("read back version %s", version)}, nil
}
