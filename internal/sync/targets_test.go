package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secret-rotator/internal/vault/vaulttest"
)

func TestWebhookTarget(t *testing.T) {
	ctx := context.Background()
	rotatedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("posts json payload with bearer token", func(t *testing.T) {
		var (
			got   webhookPayload
			auth  string
			ctype string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			ctype = r.Header.Get("Content-Type")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		target := NewWebhookTarget("hook", srv.URL, "tkn", srv.Client())
		target.now = func() time.Time { return rotatedAt }

		require.NoError(t, target.Push(ctx, "payments/api", []byte("ak_123")))
		assert.Equal(t, "Bearer tkn", auth)
		assert.Equal(t, "application/json", ctype)
		assert.Equal(t, webhookPayload{SecretName: "payments/api", Value: "ak_123", RotatedAt: rotatedAt}, got)
	})

	t.Run("client error is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		err := NewWebhookTarget("hook", srv.URL, "", srv.Client()).Push(ctx, "k", []byte("v"))

		require.Error(t, err)
		assert.True(t, isPermanent(err))
	})

	t.Run("throttling and server errors are retryable", func(t *testing.T) {
		for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))

			err := NewWebhookTarget("hook", srv.URL, "", srv.Client()).Push(ctx, "k", []byte("v"))
			srv.Close()

			require.Error(t, err)
			assert.False(t, isPermanent(err), code)
		}
	})
}

type mockSecretsManager struct {
	mock.Mock
}

func (m *mockSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*secretsmanager.PutSecretValueOutput), args.Error(1)
}

func TestAWSSecretsManagerTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("puts value under prefixed id", func(t *testing.T) {
		client := new(mockSecretsManager)
		client.On("PutSecretValue", ctx, mock.MatchedBy(func(in *secretsmanager.PutSecretValueInput) bool {
			return aws.ToString(in.SecretId) == "rotator/payments/api" && aws.ToString(in.SecretString) == "v1"
		})).Return(&secretsmanager.PutSecretValueOutput{VersionId: aws.String("abc")}, nil)

		target := NewAWSSecretsManagerTarget("aws", "rotator/", client)

		require.NoError(t, target.Push(ctx, "payments/api", []byte("v1")))
		client.AssertExpectations(t)
	})

	t.Run("missing secret is permanent", func(t *testing.T) {
		client := new(mockSecretsManager)
		client.On("PutSecretValue", ctx, mock.Anything).Return(nil, &types.ResourceNotFoundException{Message: aws.String("nope")})

		err := NewAWSSecretsManagerTarget("aws", "", client).Push(ctx, "k", []byte("v"))

		require.Error(t, err)
		assert.True(t, isPermanent(err))
	})

	t.Run("other errors are retryable", func(t *testing.T) {
		client := new(mockSecretsManager)
		client.On("PutSecretValue", ctx, mock.Anything).Return(nil, errors.New("throttled"))

		err := NewAWSSecretsManagerTarget("aws", "", client).Push(ctx, "k", []byte("v"))

		require.Error(t, err)
		assert.False(t, isPermanent(err))
		assert.Contains(t, err.Error(), "throttled")
	})
}

func TestVaultTarget(t *testing.T) {
	ctx := context.Background()
	replica := vaulttest.NewStore()

	target := NewVaultTarget("dr", replica)

	require.NoError(t, target.Push(ctx, "k", []byte("v2")))
	assert.Equal(t, []byte("v2"), replica.Latest("k"))
	assert.Equal(t, "dr", target.Name())

	replica.ErrAdd = errors.New("sealed")
	err := target.Push(ctx, "k", []byte("v3"))
	assert.ErrorContains(t, err, "sealed")
}
