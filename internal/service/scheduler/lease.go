package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"secret-rotator/internal/config"
	"secret-rotator/pkg/log"
)

const defaultLeaseKey = "secret-rotator:sweep-lease"

// releaseScript deletes the lease only while it still holds our token.
// KEYS[1] = lease key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var ErrLeaseNotHeld = errors.New("sweep lease is no longer held")

// Lease is a best-effort lock shared by every instance running a sweeper.
type Lease interface {
	TryAcquire(ctx context.Context) (token string, acquired bool, err error)
	Release(ctx context.Context, token string) error
}

type RedisLease struct {
	client   redis.Cmdable
	key      string
	ttl      time.Duration
	newToken func() string
	logger   zerolog.Logger
}

func NewRedisClient(cfg *config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = defaultLeaseKey
	}
	return &RedisLease{
		client:   client,
		key:      key,
		ttl:      ttl,
		newToken: uuid.NewString,
		logger:   log.Logger.With().Str("component", "sweep_lease").Logger(),
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (string, bool, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire sweep lease %s: %w", l.key, err)
	}
	if !ok {
		l.logger.Debug().Str("key", l.key).Msg("Sweep lease held by another instance")
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Release(ctx context.Context, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release sweep lease %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
