package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/internal/service/rotation"
	"secret-rotator/pkg/log"
)

const schedulerInitiator = "scheduler"

//nolint:mnd
var (
	defaultSweepInterval = time.Minute
	defaultExpiryGrace   = 5 * time.Minute
	defaultStaleAfter    = 15 * time.Minute
)

// Engine is the part of rotation.Engine the sweeper drives.
type Engine interface {
	CompleteJob(ctx context.Context, jobID string) (bool, error)
	CheckDueSecrets(ctx context.Context) ([]string, error)
	RequestRotation(ctx context.Context, secretName, initiator string, force bool) (*models.RotationJob, error)
	FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}

type SweepResult struct {
	Expired   int
	Completed int
	Skipped   int
	Failed    int
	Late      int
	Abandoned int
	Duration  time.Duration
}

type RotateResult struct {
	Due       int
	Requested int
	Conflicts int
	Failed    int
}

// Sweeper closes dual-accept windows whose end time has passed. All of its state lives in
// the store, so a restarted process picks up windows that elapsed while it was down.
type Sweeper struct {
	jobs       repository.RotationJobRepository
	engine     Engine
	lease      Lease
	interval   time.Duration
	grace      time.Duration
	staleAfter time.Duration
	autoRotate bool
	now        func() time.Time
	logger     zerolog.Logger
}

type Option func(*Sweeper)

func WithLease(lease Lease) Option {
	return func(s *Sweeper) {
		s.lease = lease
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithExpiryGrace(grace time.Duration) Option {
	return func(s *Sweeper) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// WithStaleAfter sets how old a pending or in_progress job must be before a sweep fails it.
// Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d >= 0 {
			s.staleAfter = d
		}
	}
}

// WithAutoRotate makes every tick also request rotation of secrets that are due.
func WithAutoRotate(enabled bool) Option {
	return func(s *Sweeper) {
		s.autoRotate = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(jobs repository.RotationJobRepository, engine Engine, opts ...Option) *Sweeper {
	s := &Sweeper{
		jobs:       jobs,
		engine:     engine,
		interval:   defaultSweepInterval,
		grace:      defaultExpiryGrace,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		logger:     log.Logger.With().Str("component", "sweeper").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce completes every dual_accept job whose window ended at or before now, then fails
// jobs that never got past in_progress within the stale timeout. Running it twice, or on two
// instances at once, is harmless.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepResult, error) {
	startTime := time.Now()
	now := s.now()

	expired, err := s.jobs.ListExpiredDualAcceptJobs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired dual-accept jobs: %w", err)
	}

	result := &SweepResult{Expired: len(expired)}
	for _, job := range expired {
		if ctx.Err() != nil {
			break
		}
		s.completeExpired(ctx, job, now, result)
	}
	if s.staleAfter > 0 && ctx.Err() == nil {
		abandoned, err := s.engine.FailStaleJobs(ctx, now.Add(-s.staleAfter))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to recover abandoned rotation jobs")
		}
		result.Abandoned = abandoned
	}
	result.Duration = time.Since(startTime)

	if result.Expired > 0 || result.Abandoned > 0 {
		s.logSummary(result)
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("sweep interrupted: %w", ctx.Err())
	}
	return result, nil
}

func (s *Sweeper) completeExpired(ctx context.Context, job *models.RotationJob, now time.Time, result *SweepResult) {
	applied, err := s.engine.CompleteJob(ctx, job.ID)
	if err != nil {
		result.Failed++
		s.decorateLog(s.logger.Error, job).Err(err).Msg("Failed to complete expired dual-accept window")
		return
	}
	if !applied {
		result.Skipped++
		s.decorateLog(s.logger.Debug, job).Msg("Window already closed elsewhere")
		return
	}
	result.Completed++

	lateness := now.Sub(*job.DualAcceptEndsAt)
	if lateness <= s.grace {
		return
	}
	result.Late++
	entry := models.NewAuditEntry(job, now, models.AuditActionExpired,
		fmt.Sprintf("dual-accept window closed %s after it ended", lateness.Truncate(time.Second)), true).
		WithActor(schedulerInitiator).
		WithMetadata("lateness_seconds", strconv.FormatInt(int64(lateness.Seconds()), 10))
	if err := s.jobs.AppendAuditEntries(ctx, entry); err != nil {
		s.decorateLog(s.logger.Warn, job).Err(err).Msg("Failed to record late window closure")
		return
	}
	s.decorateLog(s.logger.Warn, job).Dur("lateness", lateness).Msg("Dual-accept window closed late")
}

// RotateDue requests a rotation for every secret that is due. Secrets that already have an
// active job are counted as conflicts.
func (s *Sweeper) RotateDue(ctx context.Context) (*RotateResult, error) {
	names, err := s.engine.CheckDueSecrets(ctx)
	if err != nil {
		return nil, err
	}

	result := &RotateResult{Due: len(names)}
	for _, name := range names {
		_, err := s.engine.RequestRotation(ctx, name, schedulerInitiator, false)
		var conflict *rotation.ConflictError
		var notDue *rotation.NotDueError
		switch {
		case err == nil:
			result.Requested++
		case errors.As(err, &conflict):
			result.Conflicts++
		case errors.As(err, &notDue):
			// rotated by another instance after the due check
		default:
			result.Failed++
			s.logger.Error().Err(err).Str("secret", name).Msg("Failed to request scheduled rotation")
		}
	}
	if result.Requested > 0 || result.Failed > 0 {
		s.logger.Info().
			Int("due", result.Due).
			Int("requested", result.Requested).
			Int("conflicts", result.Conflicts).
			Int("failed", result.Failed).
			Msg("Scheduled rotations requested")
	}
	return result, nil
}

// Run ticks every sweep interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("expiry_grace", s.grace).
		Dur("stale_after", s.staleAfter).
		Bool("auto_rotate", s.autoRotate).
		Bool("lease", s.lease != nil).
		Msg("Starting dual-accept sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.lease != nil {
		token, acquired, err := s.lease.TryAcquire(ctx)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("Sweep lease unavailable, sweeping without it")
		case !acquired:
			return
		default:
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), token); err != nil {
					s.logger.Warn().Err(err).Msg("Failed to release sweep lease")
				}
			}()
		}
	}

	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Sweep failed")
	}
	if s.autoRotate && ctx.Err() == nil {
		if _, err := s.RotateDue(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled rotation check failed")
		}
	}
}

func (s *Sweeper) logSummary(result *SweepResult) {
	s.logger.Info().
		Int("expired", result.Expired).
		Int("completed", result.Completed).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("late", result.Late).
		Int("abandoned", result.Abandoned).
		Dur("duration", result.Duration).
		Msg("Sweep completed")
}

func (s *Sweeper) decorateLog(eventFactory func() *zerolog.Event, job *models.RotationJob) *zerolog.Event {
	return eventFactory().Str("job_id", job.ID).Str("secret", job.SecretName)
}
