// Package store defines the persistence contracts of the sync engine: one
// versioned row per (tenant, user, entity type, entity id), plus conflict and
// history records. Implementations live in the postgres and inmemory
// subpackages.
package store

import (
	"context"
	"time"

	"github.com/learnloop/sync-server/internal/models"
)

// EntityStore is the thin adapter over the per-entity-type tables. All reads
// and writes are scoped to (TenantID, UserID) from the AuthContext; the store
// owns row-level version increments.
type EntityStore interface {
	// GetEntity returns the live entity or nil when no live row exists.
	// Tombstoned rows are treated as absent. Inside a batch transaction the
	// returned row is locked against concurrent writers.
	GetEntity(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string) (*models.ServerEntity, error)

	// InsertEntity creates the entity at version 1. A tombstoned row with
	// the same id is revived with its version bumped by 1. Returns
	// ErrDuplicateEntity when a live row already exists.
	InsertEntity(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, data models.EntityData) (int64, error)

	// ApplyUpdate shallow-merges patch into the entity's JSON data and bumps
	// the version by 1. Returns ErrNotFound when no live row matches.
	ApplyUpdate(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, patch models.EntityData) (int64, error)

	// SoftDelete tombstones the entity and bumps the version by 1. Deleting
	// an already-deleted row is a no-op returning the current version.
	SoftDelete(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string) (int64, error)

	// ListChangedSince returns rows updated strictly after since, ascending
	// by update time, capped at limit. Tombstones are included so callers
	// can distinguish deletions from updates.
	ListChangedSince(ctx context.Context, auth models.AuthContext, entityType models.EntityType, since time.Time, limit int) ([]models.ServerEntity, error)
}

// ConflictStore persists SyncConflict records. The sync service owns the
// conflict lifecycle; the store only enforces the PENDING->RESOLVED
// transition.
type ConflictStore interface {
	// InsertConflict persists a new PENDING conflict.
	InsertConflict(ctx context.Context, conflict *models.SyncConflict) error

	// GetConflict returns a conflict by id within the tenant, regardless of
	// owning user. Returns ErrConflictNotFound when the id is unknown.
	GetConflict(ctx context.Context, tenantID, conflictID string) (*models.SyncConflict, error)

	// ListPendingConflicts returns the user's PENDING conflicts, newest
	// first, capped at limit.
	ListPendingConflicts(ctx context.Context, auth models.AuthContext, limit int) ([]models.SyncConflict, error)

	// MarkConflictResolved transitions a PENDING conflict to RESOLVED.
	// Returns ErrConflictResolved when the conflict is already resolved and
	// ErrConflictNotFound when the id is unknown.
	MarkConflictResolved(ctx context.Context, tenantID, conflictID string, strategy models.ResolutionStrategy, resolvedBy string, resolvedData models.EntityData, resolvedAt time.Time) error
}

// HistoryStore records one summary row per push call.
type HistoryStore interface {
	// InsertHistory persists a push summary.
	InsertHistory(ctx context.Context, auth models.AuthContext, history *models.SyncHistory) error

	// LatestHistory returns the user's most recent push summary, or nil
	// when the user has never pushed.
	LatestHistory(ctx context.Context, auth models.AuthContext) (*models.SyncHistory, error)
}

// Store is the full persistence surface consumed by the sync service.
//
// RunInBatchTx opens the ambient transaction for one push batch; every store
// call made with the callback's context joins it. RunIsolated scopes a single
// operation inside that transaction so its failure rolls back only its own
// writes (a savepoint in the postgres implementation), keeping one rejected
// operation from corrupting the rest of the batch.
type Store interface {
	EntityStore
	ConflictStore
	HistoryStore

	RunInBatchTx(ctx context.Context, fn func(ctx context.Context) error) error
	RunIsolated(ctx context.Context, fn func(ctx context.Context) error) error
}
