package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"secret-rotator/internal/repository"
	"secret-rotator/pkg/db"
	"secret-rotator/pkg/log"
)

const uniqueViolationCode = "23505"

// PsqlStore implements repository.Store on top of the shared PostgresDatastore.
// Reads are retried with backoff behind a circuit breaker; writes run once inside a
// transaction since every transition is conditional.
type PsqlStore struct {
	psql           *db.PostgresDatastore
	circuitBreaker *gobreaker.CircuitBreaker
	retryOptFunc   func() []backoff.RetryOption
	logger         zerolog.Logger
}

var _ repository.Store = (*PsqlStore)(nil)

func NewPsqlStore(psql *db.PostgresDatastore) *PsqlStore {
	logger := log.Logger.With().Str("component", "psql_store").Logger()
	return &PsqlStore{
		psql:           psql,
		circuitBreaker: newCircuitBreaker(logger),
		retryOptFunc:   newBackoffStrategy,
		logger:         logger,
	}
}

//nolint:mnd
func newBackoffStrategy() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithMaxElapsedTime(15 * time.Second),
	}
}

//nolint:mnd
func newCircuitBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isNotFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

func (s *PsqlStore) Close() error {
	return s.psql.Close()
}

// read runs a query with retries behind the circuit breaker. Not-found sentinels are
// permanent and never retried.
func read[T any](ctx context.Context, s *PsqlStore, op string, fn func() (T, error)) (T, error) {
	var zero T
	result, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (T, error) {
			v, err := fn()
			if err != nil && isNotFound(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		}, s.retryOptFunc()...)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Error().Err(err).Str("op", op).Msg("Database circuit breaker is open")
			return zero, fmt.Errorf("%w: %s", repository.ErrDatabaseUnavailable, op)
		}
		if isNotFound(err) {
			return zero, err
		}
		s.logger.Error().Err(err).Str("op", op).Msg("Database read failed")
		return zero, wrapDBError(op, err)
	}
	return result.(T), nil
}

func (s *PsqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.psql.DB.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("Failed to rollback transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrSecretConfigNotFound) || errors.Is(err, repository.ErrJobNotFound)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func wrapDBError(op string, err error) error {
	if errors.Is(err, repository.ErrDatabaseGeneric) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", repository.ErrDatabaseGeneric, op, err)
}

func expectOneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
