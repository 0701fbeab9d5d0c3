package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Get(ctx context.Context, secretPath string) (*api.KVSecret, error) {
	args := m.Called(ctx, secretPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.KVSecret), args.Error(1)
}

func (m *mockKV) GetMetadata(ctx context.Context, secretPath string) (*api.KVMetadata, error) {
	args := m.Called(ctx, secretPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.KVMetadata), args.Error(1)
}

func (m *mockKV) Put(ctx context.Context, secretPath string, data map[string]interface{}, _ ...api.KVOption) (*api.KVSecret, error) {
	args := m.Called(ctx, secretPath, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.KVSecret), args.Error(1)
}

func (m *mockKV) PutMetadata(ctx context.Context, secretPath string, metadata api.KVMetadataPutInput) error {
	args := m.Called(ctx, secretPath, metadata)
	return args.Error(0)
}

func (m *mockKV) Rollback(ctx context.Context, secretPath string, toVersion int) (*api.KVSecret, error) {
	args := m.Called(ctx, secretPath, toVersion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.KVSecret), args.Error(1)
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(kv kvClient, maxTries uint) *KVStore {
	return &KVStore{
		kv:    kv,
		mount: "secret",
		now:   func() time.Time { return fixedNow },
		retryOptFunc: func() []backoff.RetryOption {
			return []backoff.RetryOption{
				backoff.WithBackOff(&backoff.ConstantBackOff{Interval: time.Millisecond}),
				backoff.WithMaxTries(maxTries),
			}
		},
		logger: zerolog.Nop(),
	}
}

func notFoundErr(path string) error {
	return fmt.Errorf("%w: at %s", api.ErrSecretNotFound, path)
}

func TestGetLatestVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("returns current version", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "payments/api").Return(&api.KVMetadata{CurrentVersion: 3}, nil)

		ref, err := newTestStore(kv, 1).GetLatestVersion(ctx, "payments/api")

		require.NoError(t, err)
		assert.Equal(t, VersionRef("3"), ref)
	})

	t.Run("missing secret maps to not found", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(nil, notFoundErr("secret/metadata/k1")).Once()

		_, err := newTestStore(kv, 3).GetLatestVersion(ctx, "k1")

		assert.ErrorIs(t, err, ErrSecretNotFound)
		kv.AssertNumberOfCalls(t, "GetMetadata", 1)
	})

	t.Run("metadata without versions is not found", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(&api.KVMetadata{CurrentVersion: 0}, nil)

		_, err := newTestStore(kv, 1).GetLatestVersion(ctx, "k1")

		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("destroyed current version is not found", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(&api.KVMetadata{
			CurrentVersion: 2,
			Versions:       map[string]api.KVVersionMetadata{"2": {Version: 2, Destroyed: true}},
		}, nil)

		_, err := newTestStore(kv, 1).GetLatestVersion(ctx, "k1")

		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("server errors are retried", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(nil, &api.ResponseError{StatusCode: http.StatusBadGateway}).Twice()
		kv.On("GetMetadata", ctx, "k1").Return(&api.KVMetadata{CurrentVersion: 1}, nil).Once()

		ref, err := newTestStore(kv, 3).GetLatestVersion(ctx, "k1")

		require.NoError(t, err)
		assert.Equal(t, VersionRef("1"), ref)
		kv.AssertNumberOfCalls(t, "GetMetadata", 3)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(nil, &api.ResponseError{StatusCode: http.StatusForbidden}).Once()

		_, err := newTestStore(kv, 3).GetLatestVersion(ctx, "k1")

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSecretNotFound)
		kv.AssertNumberOfCalls(t, "GetMetadata", 1)
	})
}

func TestCreateSecret(t *testing.T) {
	ctx := context.Background()

	t.Run("existing secret is left alone", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(&api.KVMetadata{CurrentVersion: 4}, nil)

		require.NoError(t, newTestStore(kv, 1).CreateSecret(ctx, "k1"))
		kv.AssertNotCalled(t, "PutMetadata", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing secret gets metadata", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("GetMetadata", ctx, "k1").Return(nil, notFoundErr("secret/metadata/k1"))
		kv.On("PutMetadata", ctx, "k1", mock.MatchedBy(func(in api.KVMetadataPutInput) bool {
			return in.CustomMetadata["managed_by"] == "secret-rotator"
		})).Return(nil)

		require.NoError(t, newTestStore(kv, 1).CreateSecret(ctx, "k1"))
		kv.AssertExpectations(t)
	})
}

func TestAddVersion(t *testing.T) {
	ctx := context.Background()
	kv := new(mockKV)
	kv.On("Put", ctx, "k1", map[string]interface{}{
		"value":      "s3cr3t",
		"rotated_at": "2025-06-01T12:00:00Z",
	}).Return(&api.KVSecret{VersionMetadata: &api.KVVersionMetadata{Version: 7}}, nil)

	ref, err := newTestStore(kv, 1).AddVersion(ctx, "k1", []byte("s3cr3t"))

	require.NoError(t, err)
	assert.Equal(t, VersionRef("7"), ref)
}

func TestRestoreVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("rolls back to numeric ref", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Rollback", ctx, "k1", 2).Return(&api.KVSecret{VersionMetadata: &api.KVVersionMetadata{Version: 4}}, nil)

		require.NoError(t, newTestStore(kv, 1).RestoreVersion(ctx, "k1", "2"))
		kv.AssertExpectations(t)
	})

	t.Run("rejects non numeric ref", func(t *testing.T) {
		kv := new(mockKV)

		err := newTestStore(kv, 1).RestoreVersion(ctx, "k1", "latest")

		assert.ErrorIs(t, err, ErrInvalidVersionRef)
		kv.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("propagates vault errors", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Rollback", ctx, "k1", 2).Return(nil, errors.New("version 2 destroyed"))

		err := newTestStore(kv, 1).RestoreVersion(ctx, "k1", "2")

		assert.ErrorContains(t, err, "version 2 destroyed")
	})
}

func TestReadLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("returns stored value", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, "k1").Return(&api.KVSecret{
			Data:            map[string]interface{}{"value": "abc"},
			VersionMetadata: &api.KVVersionMetadata{Version: 5},
		}, nil)

		value, ref, err := newTestStore(kv, 1).ReadLatest(ctx, "k1")

		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), value)
		assert.Equal(t, VersionRef("5"), ref)
	})

	t.Run("empty payload is reported", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, "k1").Return(&api.KVSecret{Data: map[string]interface{}{"other": "x"}}, nil)

		_, _, err := newTestStore(kv, 1).ReadLatest(ctx, "k1")

		assert.ErrorIs(t, err, ErrEmptySecretValue)
	})

	t.Run("missing secret", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", ctx, "k1").Return(nil, notFoundErr("secret/data/k1"))

		_, _, err := newTestStore(kv, 1).ReadLatest(ctx, "k1")

		assert.ErrorIs(t, err, ErrSecretNotFound)
	})
}

func TestVersionRef(t *testing.T) {
	v, err := VersionRef("12").Int()
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	_, err = VersionRef("0").Int()
	assert.ErrorIs(t, err, ErrInvalidVersionRef)

	_, err = VersionRef("").Int()
	assert.ErrorIs(t, err, ErrInvalidVersionRef)
}
