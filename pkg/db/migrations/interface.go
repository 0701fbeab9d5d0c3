package migrations

import (
	"github.com/golang-migrate/migrate/v4/source"
)

// MigrationSource supplies versioned schema migrations to golang-migrate.
type MigrationSource interface {
	GetSourceType() string
	GetSourceDriver() (source.Driver, error)
	// LatestVersion is the highest version the source can migrate to.
	LatestVersion() (uint, error)
}
