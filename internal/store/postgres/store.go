// Package postgres implements the sync store on PostgreSQL. Each entity type
// maps to its own table through a strict allowlist; table names are never
// interpolated from request input.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store"
)

// entityTables is the enum-to-table allowlist. A type outside this map has
// no storage and is rejected before any SQL is built.
var entityTables = map[models.EntityType]string{
	models.EntityTypeLearningSession: "sync_learning_sessions",
	models.EntityTypeItemResponse:    "sync_item_responses",
	models.EntityTypeProgress:        "sync_progress_records",
	models.EntityTypeSkillMastery:    "sync_skill_mastery",
	models.EntityTypeSettings:        "sync_user_settings",
	models.EntityTypeBookmark:        "sync_bookmarks",
	models.EntityTypeNote:            "sync_notes",
}

func tableFor(entityType models.EntityType) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	return table, nil
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a postgres-backed store. The caller owns the pool lifecycle.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &Store{pool: pool}, nil
}

// txKey carries the ambient batch transaction through the context.
type txKey struct{}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every store
// method transparently joins the ambient transaction when one is present.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

// RunInBatchTx runs fn inside one transaction. Store calls made with the
// callback's context join it, and row locks taken by GetEntity hold until
// commit, which is what serializes concurrent pushes to the same entity.
func (s *Store) RunInBatchTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		err := tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.WarnContext(ctx, "Failed to rollback transaction", "error", err)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunIsolated runs fn in a savepoint within the ambient batch transaction,
// so a failing operation rolls back only its own writes. Outside a batch
// transaction it degrades to a plain call.
func (s *Store) RunIsolated(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return fn(ctx)
	}

	// pgx.Tx.Begin on an open transaction issues SAVEPOINT.
	inner, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, inner)); err != nil {
		if rbErr := inner.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.WarnContext(ctx, "Failed to rollback savepoint", "error", rbErr)
		}
		return err
	}

	if err := inner.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
