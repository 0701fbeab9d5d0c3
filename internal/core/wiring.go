package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"secret-rotator/internal/config"
	"secret-rotator/internal/generator"
	"secret-rotator/internal/models"
	"secret-rotator/internal/probe"
	repo "secret-rotator/internal/repository"
	"secret-rotator/internal/repository/memory"
	psqlRepo "secret-rotator/internal/repository/postgres"
	"secret-rotator/internal/service/metrics"
	"secret-rotator/internal/service/rotation"
	"secret-rotator/internal/service/scheduler"
	"secret-rotator/internal/sync"
	"secret-rotator/internal/vault"
	"secret-rotator/pkg/db"
	"secret-rotator/pkg/db/migrations"
	"secret-rotator/pkg/log"
)

// Wiring builds the object graph for one process. Every Init method caches its result,
// so commands can ask for the piece they need without caring about construction order.
type Wiring struct {
	config *config.Config
	now    func() time.Time
	logger zerolog.Logger

	mu         gosync.Mutex
	store      repo.Store
	vaultStore vault.SecretStore
	syncer     *sync.Syncer
	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	engine     *rotation.Engine
	redis      *redis.Client
	closers    []func() error
}

func NewWiring(cfg *config.Config) *Wiring {
	return &Wiring{
		config: cfg,
		now:    time.Now,
		logger: log.Logger.With().Str("component", "wiring").Logger(),
	}
}

func (w *Wiring) GetConfig() *config.Config {
	return w.config
}

// InitStore opens the configured storage driver. The postgres driver applies the
// embedded migrations before returning.
func (w *Wiring) InitStore() (repo.Store, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initStoreLocked()
}

func (w *Wiring) initStoreLocked() (repo.Store, error) {
	if w.store != nil {
		return w.store, nil
	}

	switch w.config.Storage.Driver {
	case config.StorageDriverMemory:
		w.logger.Warn().Msg("Using in-memory storage, rotation state is lost on exit")
		w.store = memory.NewStore()
	case config.StorageDriverPostgres:
		if w.config.Postgres == nil {
			return nil, errors.New("postgres storage selected but no postgres section configured")
		}
		datastore, err := db.NewPostgresDatastore(w.config.Postgres, migrations.NewPostgresMigration())
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to create Postgres datastore")
			return nil, err
		}
		w.store = psqlRepo.NewPsqlStore(datastore)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", w.config.Storage.Driver)
	}

	w.closers = append(w.closers, w.store.Close)
	return w.store, nil
}

func (w *Wiring) InitVaultStore(ctx context.Context) (vault.SecretStore, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initVaultStoreLocked(ctx)
}

func (w *Wiring) initVaultStoreLocked(ctx context.Context) (vault.SecretStore, error) {
	if w.vaultStore != nil {
		return w.vaultStore, nil
	}
	store, err := vault.NewKVStore(ctx, &w.config.Vault)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to create Vault client")
		return nil, err
	}
	w.vaultStore = store
	return store, nil
}

// InitRegistry returns the registry the metrics endpoint serves. Rotation counters and the
// compliance collector register on it lazily as the engine and store come up.
func (w *Wiring) InitRegistry() *prometheus.Registry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initRegistryLocked()
}

func (w *Wiring) initRegistryLocked() *prometheus.Registry {
	if w.registry == nil {
		w.registry = prometheus.NewRegistry()
		w.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return w.registry
}

func (w *Wiring) initRecorderLocked() *metrics.Recorder {
	if w.recorder == nil {
		w.recorder = metrics.NewRecorder(w.initRegistryLocked())
	}
	return w.recorder
}

// InitSyncTargets builds one target per configured sync target. Nothing here talks to
// the network except AppRole logins for replica Vault clusters.
func (w *Wiring) InitSyncTargets(ctx context.Context) ([]sync.Target, error) {
	httpClient := &http.Client{Timeout: w.config.Timeouts.Sync}
	targets := make([]sync.Target, 0, len(w.config.SyncTargets))

	for _, target := range w.config.SyncTargets {
		switch target.Kind {
		case config.SyncTargetKindVault:
			if target.Vault == nil {
				return nil, fmt.Errorf("sync target %s: missing vault section", target.Name)
			}
			replica, err := vault.NewKVStore(ctx, target.Vault)
			if err != nil {
				return nil, fmt.Errorf("sync target %s: %w", target.Name, err)
			}
			targets = append(targets, sync.NewVaultTarget(target.Name, replica))
		case config.SyncTargetKindWebhook:
			if target.Webhook == nil {
				return nil, fmt.Errorf("sync target %s: missing webhook section", target.Name)
			}
			targets = append(targets,
				sync.NewWebhookTarget(target.Name, target.Webhook.URL, target.Webhook.Token, httpClient))
		case config.SyncTargetKindAWSSecretsManager:
			if target.AWS == nil {
				return nil, fmt.Errorf("sync target %s: missing aws section", target.Name)
			}
			client, err := sync.NewSecretsManagerClient(ctx, target.AWS)
			if err != nil {
				return nil, fmt.Errorf("sync target %s: %w", target.Name, err)
			}
			targets = append(targets, sync.NewAWSSecretsManagerTarget(target.Name, target.AWS.Prefix, client))
		default:
			return nil, fmt.Errorf("sync target %s: unsupported kind %q", target.Name, target.Kind)
		}
		w.logger.Debug().Str("target", target.Name).Str("kind", target.Kind).Msg("Configured sync target")
	}
	return targets, nil
}

func (w *Wiring) initSyncerLocked(ctx context.Context) (*sync.Syncer, error) {
	if w.syncer != nil {
		return w.syncer, nil
	}
	targets, err := w.InitSyncTargets(ctx)
	if err != nil {
		return nil, err
	}
	w.syncer = sync.NewSyncer(targets, w.config.Timeouts.Sync, w.config.Sync.MaxAttempts,
		sync.WithObserver(w.initRecorderLocked().ObserveSync))
	return w.syncer, nil
}

// InitEngine assembles the rotation engine. Background executions run under ctx, so
// cancelling it aborts in-flight rotations.
func (w *Wiring) InitEngine(ctx context.Context) (*rotation.Engine, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.engine != nil {
		return w.engine, nil
	}

	store, err := w.initStoreLocked()
	if err != nil {
		return nil, err
	}
	vaultStore, err := w.initVaultStoreLocked(ctx)
	if err != nil {
		return nil, err
	}
	syncer, err := w.initSyncerLocked(ctx)
	if err != nil {
		return nil, err
	}
	probes, err := probe.NewFromConfig(w.config.Probes, vaultStore, &http.Client{Timeout: w.config.Timeouts.Validation})
	if err != nil {
		return nil, err
	}

	w.engine = rotation.NewEngine(store, vaultStore, generator.New(),
		rotation.WithProbes(probes),
		rotation.WithSyncer(syncer),
		rotation.WithRecorder(w.initRecorderLocked()),
		rotation.WithTimeouts(rotation.Timeouts{
			Vault:      w.config.Timeouts.Vault,
			Validation: w.config.Timeouts.Validation,
		}),
		rotation.WithBaseContext(ctx),
	)
	return w.engine, nil
}

// InitSweeper wires the expiry sweeper to the engine. A Redis lease is attached when a
// redis section is configured so only one replica sweeps per tick.
func (w *Wiring) InitSweeper(ctx context.Context) (*scheduler.Sweeper, error) {
	engine, err := w.InitEngine(ctx)
	if err != nil {
		return nil, err
	}
	store, err := w.InitStore()
	if err != nil {
		return nil, err
	}

	opts := []scheduler.Option{
		scheduler.WithInterval(w.config.Scheduler.SweepInterval),
		scheduler.WithExpiryGrace(w.config.Scheduler.ExpiryGrace),
		scheduler.WithStaleAfter(w.config.Scheduler.StaleAfter),
		scheduler.WithAutoRotate(w.config.Scheduler.AutoRotate),
	}
	if lease := w.initLease(); lease != nil {
		opts = append(opts, scheduler.WithLease(lease))
	}
	return scheduler.NewSweeper(store, engine, opts...), nil
}

func (w *Wiring) initLease() scheduler.Lease {
	if w.config.Redis == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.redis == nil {
		w.redis = scheduler.NewRedisClient(w.config.Redis)
		w.closers = append(w.closers, w.redis.Close)
	}
	return scheduler.NewRedisLease(w.redis, "", w.config.Scheduler.LockTTL)
}

// InitAggregator also registers the compliance collector, once, on the shared registry.
func (w *Wiring) InitAggregator() (*metrics.Aggregator, error) {
	store, err := w.InitStore()
	if err != nil {
		return nil, err
	}
	aggregator := metrics.NewAggregator(store, metrics.WithAverageWindow(w.config.Metrics.AverageWindow))

	collector := metrics.NewComplianceCollector(aggregator)
	if err := w.InitRegistry().Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
	}
	return aggregator, nil
}

// SeedSecretConfigs upserts every declared secret. Schedules of secrets that already exist
// are kept; new secrets are due immediately.
func (w *Wiring) SeedSecretConfigs(ctx context.Context) error {
	store, err := w.InitStore()
	if err != nil {
		return err
	}

	for _, secret := range w.config.Secrets {
		cfg, err := toSecretConfig(secret, w.now())
		if err != nil {
			return err
		}
		if err := store.UpsertSecretConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed secret %s: %w", secret.Name, err)
		}
	}
	w.logger.Info().Int("count", len(w.config.Secrets)).Msg("Seeded secret configurations")
	return nil
}

func toSecretConfig(secret config.Secret, now time.Time) (*models.SecretConfig, error) {
	secretType, err := models.ParseSecretType(secret.Type)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", secret.Name, err)
	}

	cfg := &models.SecretConfig{
		Name:              secret.Name,
		Type:              secretType,
		RotationFrequency: secret.RotationFrequency,
		DualAcceptWindow:  secret.DualAcceptWindow,
		SyncTargets:       append([]string(nil), secret.SyncTargets...),
		RollbackThreshold: secret.RollbackThreshold,
		NextRotationDueAt: now,
	}
	if secret.ValidationProbe != "" {
		probeRef := secret.ValidationProbe
		cfg.ValidationProbeRef = &probeRef
	}
	return cfg, nil
}

// Close waits for background rotations and releases every opened resource.
func (w *Wiring) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.engine != nil {
		w.engine.Wait()
	}
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
