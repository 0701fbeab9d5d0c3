package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"secret-rotator/pkg/log"
)

const iofsSourceType = "iofs"

//go:embed postgres/*.sql
var PostgresFS embed.FS

// EmbeddedMigration serves the SQL files of one embedded directory.
type EmbeddedMigration struct {
	dir string
	fs  fs.FS
}

var _ MigrationSource = (*EmbeddedMigration)(nil)

func NewPostgresMigration() *EmbeddedMigration {
	return newEmbeddedMigration(PostgresFS, "postgres")
}

func newEmbeddedMigration(root fs.FS, dir string) *EmbeddedMigration {
	subFS, err := fs.Sub(root, dir)
	if err != nil {
		log.Logger.Error().Err(err).Str("dir", dir).Msg("Failed to open embedded migrations")
		return nil
	}
	return &EmbeddedMigration{dir: dir, fs: subFS}
}

func (m *EmbeddedMigration) GetSourceType() string {
	return iofsSourceType
}

func (m *EmbeddedMigration) GetSourceDriver() (source.Driver, error) {
	d, err := iofs.New(m.fs, ".")
	if err != nil {
		log.Logger.Error().Err(err).Str("dir", m.dir).Msg("Failed to create migration source from embedded files")
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return d, nil
}

func (m *EmbeddedMigration) LatestVersion() (uint, error) {
	d, err := m.GetSourceDriver()
	if err != nil {
		return 0, err
	}
	defer d.Close()

	version, err := d.First()
	if err != nil {
		return 0, fmt.Errorf("no migrations found in %s: %w", m.dir, err)
	}
	for {
		next, err := d.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to walk migrations in %s: %w", m.dir, err)
		}
		version = next
	}
}
