package database

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/000001_init.up.sql
var initMigrationUp string

//go:embed migrations/000001_init.down.sql
var initMigrationDown string

// MigrateUp applies the embedded schema directly, without golang-migrate's
// version bookkeeping. Intended for tests that just need a migrated database.
func MigrateUp(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, initMigrationUp)
	return err
}

// MigrateDown drops the schema created by MigrateUp.
func MigrateDown(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, initMigrationDown)
	return err
}
