package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"secret-rotator/internal/generator"
	"secret-rotator/internal/models"
	"secret-rotator/internal/probe"
	"secret-rotator/internal/repository"
	"secret-rotator/internal/sync"
	"secret-rotator/internal/vault"
	"secret-rotator/pkg/log"
)

//nolint:mnd
var defaultTimeouts = Timeouts{
	Vault:      10 * time.Second,
	Validation: 10 * time.Second,
}

// persistTimeout bounds store writes made after the execution context is gone.
const persistTimeout = 10 * time.Second

type Timeouts struct {
	Vault      time.Duration
	Validation time.Duration
}

type SecretGenerator interface {
	Generate(secretType models.SecretType) (*generator.Secret, error)
}

type Pusher interface {
	Push(ctx context.Context, secretName string, value []byte, targets []string) sync.Report
}

// Recorder receives rotation lifecycle events for metrics.
type Recorder interface {
	RotationRequested(secretName string)
	RotationFinished(status models.JobStatus, duration time.Duration)
	RollbackRecorded(restored bool)
	ValidationRecorded(passed bool)
}

type noopRecorder struct{}

func (noopRecorder) RotationRequested(string) {}
func (noopRecorder) RotationFinished(models.JobStatus, time.Duration) {}
func (noopRecorder) RollbackRecorded(bool) {}
func (noopRecorder) ValidationRecorded(bool) {}

// Engine drives rotation jobs through their lifecycle. It holds no job state of its own:
// every decision is made against the store, so several engines may share one database.
type Engine struct {
	store     repository.Store
	vault     vault.SecretStore
	generator SecretGenerator
	probes    map[string]probe.Probe
	syncer    Pusher
	recorder  Recorder
	timeouts  Timeouts
	now       func() time.Time
	newID     func() string
	baseCtx   context.Context
	running   gosync.WaitGroup
	logger    zerolog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

func WithProbes(probes map[string]probe.Probe) Option {
	return func(e *Engine) {
		e.probes = probes
	}
}

func WithSyncer(syncer Pusher) Option {
	return func(e *Engine) {
		e.syncer = syncer
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

func WithTimeouts(timeouts Timeouts) Option {
	return func(e *Engine) {
		if timeouts.Vault > 0 {
			e.timeouts.Vault = timeouts.Vault
		}
		if timeouts.Validation > 0 {
			e.timeouts.Validation = timeouts.Validation
		}
	}
}

// WithBaseContext sets the context background executions run under.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Engine) {
		e.baseCtx = ctx
	}
}

func NewEngine(store repository.Store, vaultStore vault.SecretStore, gen SecretGenerator, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		vault:     vaultStore,
		generator: gen,
		probes:    map[string]probe.Probe{},
		recorder:  noopRecorder{},
		timeouts:  defaultTimeouts,
		now:       time.Now,
		newID:     uuid.NewString,
		baseCtx:   context.Background(),
		logger:    log.Logger.With().Str("component", "rotation_engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.syncer == nil {
		e.syncer = sync.NewSyncer(nil, e.timeouts.Vault, 1)
	}
	return e
}

// Wait blocks until every background execution started by this engine has finished.
func (e *Engine) Wait() {
	e.running.Wait()
}

// RequestRotation creates a pending job for secretName and starts executing it in the
// background. The returned job is the pending snapshot.
func (e *Engine) RequestRotation(ctx context.Context, secretName, initiator string, force bool) (*models.RotationJob, error) {
	cfg, err := e.store.GetSecretConfig(ctx, secretName)
	if err != nil {
		if errors.Is(err, repository.ErrSecretConfigNotFound) {
			return nil, &NotFoundError{Resource: "secret config", ID: secretName}
		}
		return nil, fmt.Errorf("failed to load secret config %s: %w", secretName, err)
	}

	now := e.now()
	if !force && !cfg.IsDue(now) {
		return nil, &NotDueError{SecretName: secretName, DueAt: cfg.NextRotationDueAt}
	}

	job := &models.RotationJob{
		ID:          e.newID(),
		SecretName:  secretName,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		InitiatedBy: initiator,
	}
	entry := models.NewAuditEntry(job, now, models.AuditActionCreated, "rotation requested", true).
		WithActor(initiator).
		WithMetadata("force", strconv.FormatBool(force))

	if err := e.store.CreateJob(ctx, job, entry); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			conflict := &ConflictError{SecretName: secretName}
			if active, activeErr := e.store.GetActiveJob(ctx, secretName); activeErr == nil {
				conflict.ActiveJobID = active.ID
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to create rotation job for %s: %w", secretName, err)
	}
	job.AuditTrail = []models.AuditEntry{entry}

	e.decorateLog(e.logger.Info, job).Str("initiator", initiator).Bool("force", force).Msg("Rotation requested")
	e.recorder.RotationRequested(secretName)

	pending := job.Clone()
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.execute(e.baseCtx, pending, cfg)
	}()

	return job, nil
}

func (e *Engine) decorateLog(eventFactory func() *zerolog.Event, job *models.RotationJob) *zerolog.Event {
	return eventFactory().Str("job_id", job.ID).Str("secret", job.SecretName).Str("status", job.Status.String())
}
