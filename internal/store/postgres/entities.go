package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store"
)

const entityColumns = "entity_id, data, version, device_id, created_at, updated_at, synced_at, deleted_at"

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func scanEntity(row pgx.Row, entityType models.EntityType) (*models.ServerEntity, error) {
	var (
		entity  models.ServerEntity
		rawData []byte
	)
	err := row.Scan(
		&entity.EntityID,
		&rawData,
		&entity.Version,
		&entity.DeviceID,
		&entity.CreatedAt,
		&entity.UpdatedAt,
		&entity.SyncedAt,
		&entity.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawData, &entity.Data); err != nil {
		return nil, fmt.Errorf("failed to decode entity data: %w", err)
	}
	entity.EntityType = entityType
	return &entity, nil
}

// GetEntity returns the live entity or nil when no live row exists. Inside a
// batch transaction the row is locked with FOR UPDATE so the version check
// and the subsequent version bump are atomic relative to other writers.
func (s *Store) GetEntity(
	ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string,
) (*models.ServerEntity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE tenant_id = $1 AND user_id = $2 AND entity_id = $3 AND deleted_at IS NULL`,
		entityColumns, table)
	if _, inTx := txFromContext(ctx); inTx {
		query += " FOR UPDATE"
	}

	entity, err := scanEntity(s.querier(ctx).QueryRow(ctx, query, auth.TenantID, auth.UserID, entityID), entityType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

// InsertEntity creates the entity at version 1. A tombstoned row with the
// same id is revived with its version bumped by 1, preserving the monotonic
// version invariant for devices that still hold the old tombstone.
func (s *Store) InsertEntity(
	ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, data models.EntityData,
) (int64, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return 0, err
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entity data: %w", err)
	}
	now := time.Now().UTC()
	q := s.querier(ctx)

	// Revive a tombstone if one exists; the version keeps climbing.
	var revivedVersion int64
	reviveQuery := fmt.Sprintf(
		`UPDATE %s SET data = $4, version = version + 1, device_id = $5, updated_at = $6, synced_at = $6, deleted_at = NULL
		 WHERE tenant_id = $1 AND user_id = $2 AND entity_id = $3 AND deleted_at IS NOT NULL
		 RETURNING version`, table)
	err = q.QueryRow(ctx, reviveQuery, auth.TenantID, auth.UserID, entityID, rawData, auth.DeviceID, now).Scan(&revivedVersion)
	if err == nil {
		return revivedVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to revive entity: %w", err)
	}

	insertQuery := fmt.Sprintf(
		`INSERT INTO %s (tenant_id, user_id, entity_id, data, version, device_id, created_at, updated_at, synced_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $6, $6)`, table)
	_, err = q.Exec(ctx, insertQuery, auth.TenantID, auth.UserID, entityID, rawData, auth.DeviceID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: %s/%s", store.ErrDuplicateEntity, entityType, entityID)
		}
		return 0, fmt.Errorf("failed to insert entity: %w", err)
	}
	return 1, nil
}

// ApplyUpdate shallow-merges patch into the entity's JSON data (jsonb ||,
// top-level key overwrite) and bumps the version by 1.
func (s *Store) ApplyUpdate(
	ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, patch models.EntityData,
) (int64, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return 0, err
	}

	rawPatch, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entity patch: %w", err)
	}
	now := time.Now().UTC()

	query := fmt.Sprintf(
		`UPDATE %s SET data = data || $4::jsonb, version = version + 1, device_id = $5, updated_at = $6, synced_at = $6
		 WHERE tenant_id = $1 AND user_id = $2 AND entity_id = $3 AND deleted_at IS NULL
		 RETURNING version`, table)

	var version int64
	err = s.querier(ctx).QueryRow(ctx, query, auth.TenantID, auth.UserID, entityID, rawPatch, auth.DeviceID, now).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update entity: %w", err)
	}
	return version, nil
}

// SoftDelete tombstones the entity and bumps the version by 1. Deleting an
// already-deleted row is a no-op returning the current version.
func (s *Store) SoftDelete(
	ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string,
) (int64, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(
		`UPDATE %s SET deleted_at = $4, version = version + 1, device_id = $5, updated_at = $4, synced_at = $4
		 WHERE tenant_id = $1 AND user_id = $2 AND entity_id = $3 AND deleted_at IS NULL
		 RETURNING version`, table)

	var version int64
	err = s.querier(ctx).QueryRow(ctx, query, auth.TenantID, auth.UserID, entityID, now, auth.DeviceID).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to soft-delete entity: %w", err)
	}

	// Either the row never existed or it is already a tombstone.
	tombstoneQuery := fmt.Sprintf(
		`SELECT version FROM %s WHERE tenant_id = $1 AND user_id = $2 AND entity_id = $3 AND deleted_at IS NOT NULL`,
		table)
	err = s.querier(ctx).QueryRow(ctx, tombstoneQuery, auth.TenantID, auth.UserID, entityID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return version, nil
}

// ListChangedSince returns rows updated strictly after since, ascending by
// update time, tombstones included.
func (s *Store) ListChangedSince(
	ctx context.Context, auth models.AuthContext, entityType models.EntityType, since time.Time, limit int,
) ([]models.ServerEntity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE tenant_id = $1 AND user_id = $2 AND updated_at > $3
		 ORDER BY updated_at ASC LIMIT $4`,
		entityColumns, table)

	rows, err := s.querier(ctx).Query(ctx, query, auth.TenantID, auth.UserID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed entities: %w", err)
	}
	defer rows.Close()

	var entities []models.ServerEntity
	for rows.Next() {
		entity, err := scanEntity(rows, entityType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity rows: %w", err)
	}
	return entities, nil
}
