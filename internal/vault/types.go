package vault

import (
	"context"
	"errors"
	"strconv"
)

var (
	ErrSecretNotFound    = errors.New("secret not found in vault")
	ErrInvalidVersionRef = errors.New("invalid vault version reference")
	ErrEmptySecretValue  = errors.New("vault secret has no value")
)

const (
	payloadValueKey     = "value"
	payloadRotatedAtKey = "rotated_at"
)

// VersionRef identifies one stored version of a secret. For KV v2 it is the version number.
type VersionRef string

func (r VersionRef) String() string {
	return string(r)
}

func (r VersionRef) Int() (int, error) {
	v, err := strconv.Atoi(string(r))
	if err != nil || v <= 0 {
		return 0, ErrInvalidVersionRef
	}
	return v, nil
}

func versionRefFromInt(v int) VersionRef {
	return VersionRef(strconv.Itoa(v))
}

// SecretStore is the versioned secret storage used by the rotation engine.
type SecretStore interface {
	// GetLatestVersion returns ErrSecretNotFound when the secret has no readable version.
	GetLatestVersion(ctx context.Context, name string) (VersionRef, error)
	// CreateSecret is a no-op for secrets that already exist.
	CreateSecret(ctx context.Context, name string) error
	AddVersion(ctx context.Context, name string, value []byte) (VersionRef, error)
	// RestoreVersion makes ref the effective version again.
	RestoreVersion(ctx context.Context, name string, ref VersionRef) error
	ReadLatest(ctx context.Context, name string) ([]byte, VersionRef, error)
}
