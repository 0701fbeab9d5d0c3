package migrations

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unreadableFS struct{}

func (unreadableFS) Open(string) (fs.File, error) {
	return nil, fs.ErrPermission
}

func TestPostgresMigration(t *testing.T) {
	migration := NewPostgresMigration()
	require.NotNil(t, migration)

	t.Run("uses the iofs source", func(t *testing.T) {
		assert.Equal(t, "iofs", migration.GetSourceType())

		driver, err := migration.GetSourceDriver()
		require.NoError(t, err)
		assert.NoError(t, driver.Close())
	})

	t.Run("reports the latest embedded version", func(t *testing.T) {
		latest, err := migration.LatestVersion()

		require.NoError(t, err)
		assert.Equal(t, uint(1), latest)
	})

	t.Run("embeds the rotation schema", func(t *testing.T) {
		up, err := fs.ReadFile(PostgresFS, "postgres/000001_create_rotation_tables.up.sql")
		require.NoError(t, err)
		down, err := fs.ReadFile(PostgresFS, "postgres/000001_create_rotation_tables.down.sql")
		require.NoError(t, err)

		for _, table := range []string{"secret_configs", "rotation_jobs", "audit_entries"} {
			assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table)
			assert.Contains(t, string(down), table)
		}
		assert.Contains(t, string(up), "uq_rotation_jobs_active_secret")
	})
}

func TestEmbeddedMigrationLatestVersion(t *testing.T) {
	t.Run("walks every version", func(t *testing.T) {
		root := fstest.MapFS{
			"sql/000001_init.up.sql":       {Data: []byte("SELECT 1;")},
			"sql/000001_init.down.sql":     {Data: []byte("SELECT 1;")},
			"sql/000002_audit.up.sql":      {Data: []byte("SELECT 2;")},
			"sql/000007_backfill.up.sql":   {Data: []byte("SELECT 7;")},
			"sql/000007_backfill.down.sql": {Data: []byte("SELECT 7;")},
		}

		latest, err := newEmbeddedMigration(root, "sql").LatestVersion()

		require.NoError(t, err)
		assert.Equal(t, uint(7), latest)
	})

	t.Run("fails without migrations", func(t *testing.T) {
		root := fstest.MapFS{"sql/README.md": {Data: []byte("empty")}}

		_, err := newEmbeddedMigration(root, "sql").LatestVersion()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no migrations found in sql")
	})

	t.Run("fails when the filesystem cannot be read", func(t *testing.T) {
		migration := &EmbeddedMigration{dir: "broken", fs: unreadableFS{}}

		driver, err := migration.GetSourceDriver()

		assert.Nil(t, driver)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create migration source")
	})
}
