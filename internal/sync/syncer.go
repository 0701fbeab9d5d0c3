package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"secret-rotator/pkg/log"
)

// Report holds the per-target outcome of one push batch.
type Report struct {
	Status map[string]bool
	Errors map[string]string
}

func (r Report) AllSucceeded() bool {
	for _, ok := range r.Status {
		if !ok {
			return false
		}
	}
	return true
}

// Observer is notified once per target after retries are exhausted.
type Observer func(target string, err error)

// Syncer pushes new secret values to external targets. Each target is retried with backoff
// and guarded by its own circuit breaker. Failures are reported, never returned.
type Syncer struct {
	targets      map[string]Target
	breakers     map[string]*gobreaker.CircuitBreaker
	timeout      time.Duration
	retryOptFunc func() []backoff.RetryOption
	observer     Observer
	logger       zerolog.Logger
}

type Option func(*Syncer)

func WithObserver(observer Observer) Option {
	return func(s *Syncer) {
		s.observer = observer
	}
}

func WithRetryOptions(fn func() []backoff.RetryOption) Option {
	return func(s *Syncer) {
		s.retryOptFunc = fn
	}
}

func NewSyncer(targets []Target, timeout time.Duration, maxAttempts int, opts ...Option) *Syncer {
	logger := log.Logger.With().Str("component", "syncer").Logger()
	s := &Syncer{
		targets:  make(map[string]Target, len(targets)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(targets)),
		timeout:  timeout,
		retryOptFunc: func() []backoff.RetryOption {
			return newBackoffStrategy(maxAttempts)
		},
		logger: logger,
	}
	for _, target := range targets {
		s.targets[target.Name()] = target
		s.breakers[target.Name()] = newCircuitBreaker(target.Name(), logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

//nolint:mnd
func newBackoffStrategy(maxAttempts int) []backoff.RetryOption {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(30 * time.Second),
	}
}

//nolint:mnd
func newCircuitBreaker(name string, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("target", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Sync target circuit breaker state changed")
		},
	})
}

// Push sends value to every named target concurrently and waits for all of them.
func (s *Syncer) Push(ctx context.Context, secretName string, value []byte, targetNames []string) Report {
	report := Report{
		Status: make(map[string]bool, len(targetNames)),
		Errors: make(map[string]string),
	}

	var (
		mu gosync.Mutex
		wg gosync.WaitGroup
	)
	for _, name := range targetNames {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.pushOne(ctx, name, secretName, value)

			mu.Lock()
			defer mu.Unlock()
			report.Status[name] = err == nil
			if err != nil {
				report.Errors[name] = err.Error()
			}
		}()
	}
	wg.Wait()

	return report
}

func (s *Syncer) pushOne(ctx context.Context, targetName, secretName string, value []byte) error {
	target, ok := s.targets[targetName]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrTargetNotConfigured, targetName)
		s.notify(targetName, err)
		return err
	}

	_, err := s.breakers[targetName].Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (struct{}, error) {
			pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			err := target.Push(pushCtx, secretName, value)
			if err != nil && isPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, s.retryOptFunc()...)
	})

	evt := s.decorateLog(s.logger.Info, targetName, secretName)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("sync target %s unavailable: %w", targetName, err)
		}
		evt = s.decorateLog(s.logger.Warn, targetName, secretName).Err(err)
	}
	evt.Bool("success", err == nil).Msg("Sync push finished")

	s.notify(targetName, err)
	return err
}

func (s *Syncer) notify(target string, err error) {
	if s.observer != nil {
		s.observer(target, err)
	}
}

func (s *Syncer) decorateLog(eventFactory func() *zerolog.Event, target, secretName string) *zerolog.Event {
	return eventFactory().Str("target", target).Str("secret", secretName)
}
