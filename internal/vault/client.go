package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"secret-rotator/internal/config"
	"secret-rotator/pkg/log"
)

const defaultKVMount = "secret"

// kvClient is the subset of *api.KVv2 used by KVStore.
type kvClient interface {
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
	GetMetadata(ctx context.Context, secretPath string) (*api.KVMetadata, error)
	Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error)
	PutMetadata(ctx context.Context, secretPath string, metadata api.KVMetadataPutInput) error
	Rollback(ctx context.Context, secretPath string, toVersion int) (*api.KVSecret, error)
}

// KVStore is a SecretStore backed by a Vault KV v2 mount.
type KVStore struct {
	kv           kvClient
	auth         *authenticator
	mount        string
	now          func() time.Time
	retryOptFunc func() []backoff.RetryOption
	logger       zerolog.Logger
}

var _ SecretStore = (*KVStore)(nil)

// NewKVStore builds a Vault client from cfg and authenticates it.
func NewKVStore(ctx context.Context, cfg *config.Vault) (*KVStore, error) {
	client, err := NewAPIClient(cfg)
	if err != nil {
		return nil, err
	}

	mount := cfg.Mount
	if mount == "" {
		mount = defaultKVMount
	}
	logger := log.Logger.With().Str("component", "vault_kv_store").Str("mount", mount).Logger()

	auth := &authenticator{client: client, config: cfg, logger: logger}
	if err := auth.authenticate(ctx); err != nil {
		return nil, err
	}

	return &KVStore{
		kv:           client.KVv2(mount),
		auth:         auth,
		mount:        mount,
		now:          time.Now,
		retryOptFunc: newBackoffStrategy,
		logger:       logger,
	}, nil
}

// NewAPIClient creates an unauthenticated Vault API client with TLS settings applied.
func NewAPIClient(cfg *config.Vault) (*api.Client, error) {
	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.Address
	// Retries are handled by backoff around each operation.
	apiConfig.MaxRetries = 0

	if cfg.TLSSkipVerify || cfg.TLSCAFile != "" {
		if err := apiConfig.ConfigureTLS(&api.TLSConfig{
			CACert:   cfg.TLSCAFile,
			Insecure: cfg.TLSSkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	return client, nil
}

//nolint:mnd
func newBackoffStrategy() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	}
}

func (s *KVStore) GetLatestVersion(ctx context.Context, name string) (VersionRef, error) {
	metadata, err := retry(ctx, s, func() (*api.KVMetadata, error) {
		return s.kv.GetMetadata(ctx, name)
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrSecretNotFound
		}
		s.decorateLog(s.logger.Error, "get_latest_version", name).Err(err).Msg("Failed to read secret metadata")
		return "", fmt.Errorf("failed to read metadata for %s/%s: %w", s.mount, name, err)
	}
	if metadata == nil || metadata.CurrentVersion == 0 {
		return "", ErrSecretNotFound
	}
	if v, ok := metadata.Versions[versionRefFromInt(metadata.CurrentVersion).String()]; ok && (v.Destroyed || !v.DeletionTime.IsZero()) {
		return "", ErrSecretNotFound
	}
	return versionRefFromInt(metadata.CurrentVersion), nil
}

func (s *KVStore) CreateSecret(ctx context.Context, name string) error {
	_, err := retry(ctx, s, func() (*api.KVMetadata, error) {
		return s.kv.GetMetadata(ctx, name)
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check secret %s/%s: %w", s.mount, name, err)
	}

	_, err = retry(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.kv.PutMetadata(ctx, name, api.KVMetadataPutInput{
			CustomMetadata: map[string]interface{}{"managed_by": "secret-rotator"},
		})
	})
	if err != nil {
		s.decorateLog(s.logger.Error, "create_secret", name).Err(err).Msg("Failed to create secret metadata")
		return fmt.Errorf("failed to create secret %s/%s: %w", s.mount, name, err)
	}
	s.decorateLog(s.logger.Info, "create_secret", name).Msg("Created secret")
	return nil
}

func (s *KVStore) AddVersion(ctx context.Context, name string, value []byte) (VersionRef, error) {
	payload := map[string]interface{}{
		payloadValueKey:     string(value),
		payloadRotatedAtKey: s.now().UTC().Format(time.RFC3339),
	}
	secret, err := retry(ctx, s, func() (*api.KVSecret, error) {
		return s.kv.Put(ctx, name, payload)
	})
	if err != nil {
		s.decorateLog(s.logger.Error, "add_version", name).Err(err).Msg("Failed to write secret version")
		return "", fmt.Errorf("failed to write %s/%s: %w", s.mount, name, err)
	}
	if secret == nil || secret.VersionMetadata == nil {
		return "", fmt.Errorf("vault returned no version metadata for %s/%s", s.mount, name)
	}

	ref := versionRefFromInt(secret.VersionMetadata.Version)
	s.decorateLog(s.logger.Info, "add_version", name).Str("version", ref.String()).Msg("Stored new secret version")
	return ref, nil
}

func (s *KVStore) RestoreVersion(ctx context.Context, name string, ref VersionRef) error {
	version, err := ref.Int()
	if err != nil {
		return fmt.Errorf("%w: %q", err, ref)
	}
	secret, err := retry(ctx, s, func() (*api.KVSecret, error) {
		return s.kv.Rollback(ctx, name, version)
	})
	if err != nil {
		s.decorateLog(s.logger.Error, "restore_version", name).Int("to_version", version).Err(err).Msg("Failed to restore version")
		return fmt.Errorf("failed to restore %s/%s to version %d: %w", s.mount, name, version, err)
	}

	evt := s.decorateLog(s.logger.Info, "restore_version", name).Int("to_version", version)
	if secret != nil && secret.VersionMetadata != nil {
		evt = evt.Int("new_version", secret.VersionMetadata.Version)
	}
	evt.Msg("Restored secret version")
	return nil
}

func (s *KVStore) ReadLatest(ctx context.Context, name string) ([]byte, VersionRef, error) {
	secret, err := retry(ctx, s, func() (*api.KVSecret, error) {
		return s.kv.Get(ctx, name)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", ErrSecretNotFound
		}
		return nil, "", fmt.Errorf("failed to read %s/%s: %w", s.mount, name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, "", ErrSecretNotFound
	}

	value, ok := secret.Data[payloadValueKey].(string)
	if !ok || value == "" {
		return nil, "", ErrEmptySecretValue
	}
	var ref VersionRef
	if secret.VersionMetadata != nil {
		ref = versionRefFromInt(secret.VersionMetadata.Version)
	}
	return []byte(value), ref, nil
}

// retry validates the token and runs op with backoff. Not-found and client errors are permanent.
func retry[T any](ctx context.Context, s *KVStore, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		if s.auth != nil {
			if err := s.auth.ensureValidToken(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		v, err := op()
		if err != nil && (isNotFound(err) || isClientError(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, s.retryOptFunc()...)
}

func isNotFound(err error) bool {
	if errors.Is(err, api.ErrSecretNotFound) || errors.Is(err, ErrSecretNotFound) {
		return true
	}
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isClientError(err error) bool {
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500
}

func (s *KVStore) decorateLog(eventFactory func() *zerolog.Event, event, name string) *zerolog.Event {
	return eventFactory().Str("event", event).Str("secret", name)
}
