package sync

import (
	"context"
	"errors"
	"fmt"

	"secret-rotator/internal/vault"
)

type versionWriter interface {
	AddVersion(ctx context.Context, name string, value []byte) (vault.VersionRef, error)
}

// VaultTarget writes the same payload to a replica Vault KV v2 mount.
type VaultTarget struct {
	name   string
	writer versionWriter
}

func NewVaultTarget(name string, writer versionWriter) *VaultTarget {
	return &VaultTarget{name: name, writer: writer}
}

func (t *VaultTarget) Name() string {
	return t.name
}

func (t *VaultTarget) Push(ctx context.Context, secretName string, value []byte) error {
	if _, err := t.writer.AddVersion(ctx, secretName, value); err != nil {
		if errors.Is(err, vault.ErrInvalidVersionRef) {
			return permanent(err)
		}
		return fmt.Errorf("replica write failed: %w", err)
	}
	return nil
}
