package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // this is required to register the pgx driver with database/sql
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/golang-migrate/migrate/v4"
	psqlmigrator "github.com/golang-migrate/migrate/v4/database/postgres"

	"secret-rotator/internal/config"
	"secret-rotator/pkg/db/migrations"
	"secret-rotator/pkg/log"
)

//nolint:gochecknoglobals
var (
	defaultHealthCheckPeriod = 1 * time.Minute
	healthCheckTimeout       = 5 * time.Second
)

type PostgresDatastore struct {
	DB              *sqlx.DB
	migrationSource migrations.MigrationSource
	stopHealthCheck chan struct{}
	healthCheckDone sync.WaitGroup
	closeOnce       sync.Once
	logger          zerolog.Logger
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewPostgresDatastore connects, applies the embedded migrations and starts a background
// ping loop. The returned datastore must be closed.
func NewPostgresDatastore(
	cfg *config.Postgres,
	migrationSource migrations.MigrationSource,
) (*PostgresDatastore, error) {
	connectionString := buildPostgresDSN(cfg)
	redacted := redactDSN(connectionString)

	log.Logger.Info().Str("dsn", redacted).Msg("Attempting to connect to PostgreSQL")

	db, err := sqlx.Connect("pgx", connectionString)
	if err != nil {
		log.Logger.Error().Err(err).Str("dsn", redacted).Msg("failed to connect to postgres")
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	setPoolConfig(poolConfigFor(cfg), db)

	psqlDB := &PostgresDatastore{
		DB:              db,
		migrationSource: migrationSource,
		stopHealthCheck: make(chan struct{}),
		logger: log.Logger.With().
			Str("component", "postgres_datastore").
			Logger(),
	}

	if err := psqlDB.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	psqlDB.logger.Info().Str("dsn", redacted).Msg("Successfully connected to PostgreSQL")
	psqlDB.startHealthCheck()
	return psqlDB, nil
}

func (p *PostgresDatastore) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.stopHealthCheck != nil {
			close(p.stopHealthCheck)
			p.healthCheckDone.Wait()
		}
		if p.DB != nil {
			p.logger.Info().Msg("Closing PostgreSQL connection")
			err = p.DB.Close()
		}
	})
	return err
}

// Ping reports whether the database answers within the health check timeout.
func (p *PostgresDatastore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return p.DB.PingContext(ctx)
}

func redactDSN(dsnStr string) string {
	parsedDSN, err := url.Parse(dsnStr)
	if err != nil {
		return "<invalid dsn>"
	}
	if parsedDSN.User != nil {
		parsedDSN.User = url.UserPassword(parsedDSN.User.Username(), "xxxxx")
	}
	return parsedDSN.String()
}

func (p *PostgresDatastore) initSchema() error {
	if p.migrationSource == nil {
		return errors.New("no migration source configured")
	}
	p.logger.Info().Msg("Initializing database schema via embedded migrations...")
	d, err := p.migrationSource.GetSourceDriver()
	if err != nil {
		return err
	}

	driver, err := psqlmigrator.WithInstance(p.DB.DB, &psqlmigrator.Config{})
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not create postgres driver for migrate")
		return fmt.Errorf("could not create postgres driver for migrate: %w", err)
	}

	m, err := migrate.NewWithInstance(p.migrationSource.GetSourceType(), d, p.DB.DriverName(), driver)
	if err != nil {
		p.logger.Error().Err(err).Msg("Could not create migrate instance")
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		p.logger.Error().Err(upErr).Msg("Failed to apply migrations")
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not get migration version after applying")
		return nil
	}
	if dirty {
		return fmt.Errorf("rotation schema version %d is dirty, fix it manually before starting", version)
	}

	latest, err := p.migrationSource.LatestVersion()
	if err != nil {
		return err
	}
	if version > latest {
		p.logger.Warn().Uint("version", version).Uint("latest_known", latest).
			Msg("Database schema is newer than this binary")
	}
	p.logger.Info().Uint("version", version).Msg("Rotation schema is up to date")
	return nil
}

func buildPostgresDSN(cfg *config.Postgres) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Path:   cfg.DBName,
	}
	query := dsn.Query()
	query.Set("sslmode", sslMode)
	dsn.RawQuery = query.Encode()

	return dsn.String()
}

//nolint:mnd
func poolConfigFor(cfg *config.Postgres) PoolConfig {
	pool := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.MaxConnections
	}
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	return pool
}

func setPoolConfig(cfg PoolConfig, db *sqlx.DB) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Logger.Debug().
		Int("max_open", cfg.MaxOpenConns).
		Int("max_idle", cfg.MaxIdleConns).
		Dur("max_lifetime", cfg.ConnMaxLifetime).
		Dur("max_idle_time", cfg.ConnMaxIdleTime).
		Msg("Configured PostgreSQL connection pool")
}

func (p *PostgresDatastore) startHealthCheck() {
	ticker := time.NewTicker(defaultHealthCheckPeriod)
	p.healthCheckDone.Add(1)
	go func() {
		defer p.healthCheckDone.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.Ping(context.Background()); err != nil {
					p.logger.Warn().Err(err).Msg("Database health check failed")
				}
			case <-p.stopHealthCheck:
				p.logger.Info().Msg("Stopped PostgreSQL health check")
				return
			}
		}
	}()
}
