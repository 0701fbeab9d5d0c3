package testutil

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"secret-rotator/internal/config"
)

const (
	postgresImage    = "postgres:15-alpine"
	postgresUser     = "rotator"
	postgresPassword = "rotator-password"
	postgresDB       = "rotator_test"
)

type PostgresHelper struct {
	Container *postgres.PostgresContainer
	Config    *config.Postgres
	hostPort  int
}

// NewPostgresContainer starts Postgres on a reserved host port and returns a config
// pointing at it. The schema is not migrated; NewPostgresDatastore does that.
func NewPostgresContainer(t require.TestingT, ctx context.Context) (*PostgresHelper, error) {
	hostPort, err := getPortManager().reservePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve port: %w", err)
	}

	pgContainer, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase(postgresDB),
		postgres.WithUsername(postgresUser),
		postgres.WithPassword(postgresPassword),
		postgres.WithSQLDriver("pgx"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(1*time.Minute),
			wait.ForExposedPort().WithStartupTimeout(1*time.Minute),
		),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.PortBindings = nat.PortMap{nat.Port("5432/tcp"): []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}}
		}),
	)
	if err != nil {
		getPortManager().releasePort(hostPort)
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}
	helper := &PostgresHelper{Container: pgContainer, hostPort: hostPort}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		_ = helper.Terminate(ctx)
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	mapped, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err, "Failed to read mapped PostgreSQL port")

	helper.Config = &config.Postgres{
		Address:        host,
		Port:           mapped.Int(),
		Username:       postgresUser,
		Password:       postgresPassword,
		DBName:         postgresDB,
		SSLMode:        "disable",
		MaxConnections: 5,
	}
	return helper, nil
}

func (p *PostgresHelper) Terminate(ctx context.Context) error {
	if p.Container == nil {
		return nil
	}
	defer getPortManager().releasePort(p.hostPort)
	return p.Container.Terminate(ctx)
}

// ExecutePsqlCommand runs a SQL statement through psql inside the container.
func (p *PostgresHelper) ExecutePsqlCommand(ctx context.Context, statement string) error {
	cmd := []string{"psql", "-U", p.Config.Username, "-d", p.Config.DBName, "-v", "ON_ERROR_STOP=1", "-c", statement}
	code, _, err := p.Container.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return fmt.Errorf("failed to execute psql command: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("psql command exited with code %d", code)
	}
	return nil
}

// TruncateRotationTables empties every table owned by the rotation schema.
func (p *PostgresHelper) TruncateRotationTables(ctx context.Context) error {
	return p.ExecutePsqlCommand(ctx, "TRUNCATE TABLE audit_entries, rotation_jobs, secret_configs RESTART IDENTITY CASCADE")
}
