// Package database embeds the schema migrations and the tooling to run them.
package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Registers the pgx5 database driver.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsSource returns a migration source driver from the embedded migrations.
func migrationsSource() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// Migrator applies or rolls back the embedded migrations.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (version uint, dirty bool, err error)
	Close() (error, error)
}

// NewFromConnectionString returns a Migrator bound to the given database. It
// accepts postgres:// connection strings as produced by the config package.
func NewFromConnectionString(connString string) (Migrator, error) {
	d, err := migrationsSource()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	// The pgx/v5 database driver registers under the pgx5 scheme.
	if rest, ok := strings.CutPrefix(connString, "postgres://"); ok {
		connString = "pgx5://" + rest
	}

	return migrate.NewWithSourceInstance("iofs", d, connString)
}
