package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store"
)

const conflictColumns = `id, tenant_id, user_id, entity_type, entity_id, client_data, server_data,
	client_version, server_version, client_device_id, status, suggested_resolution,
	created_at, resolved_at, resolved_by, resolved_strategy, resolved_data`

func scanConflict(row pgx.Row) (*models.SyncConflict, error) {
	var (
		conflict         models.SyncConflict
		rawClient        []byte
		rawServer        []byte
		rawResolved      []byte
		resolvedBy       *string
		resolvedStrategy *string
		resolvedAt       *time.Time
		resolvedPayload  models.EntityData
	)
	err := row.Scan(
		&conflict.ID,
		&conflict.TenantID,
		&conflict.UserID,
		&conflict.EntityType,
		&conflict.EntityID,
		&rawClient,
		&rawServer,
		&conflict.ClientVersion,
		&conflict.ServerVersion,
		&conflict.ClientDeviceID,
		&conflict.Status,
		&conflict.SuggestedResolution,
		&conflict.CreatedAt,
		&resolvedAt,
		&resolvedBy,
		&resolvedStrategy,
		&rawResolved,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawClient, &conflict.ClientData); err != nil {
		return nil, fmt.Errorf("failed to decode client data: %w", err)
	}
	if err := json.Unmarshal(rawServer, &conflict.ServerData); err != nil {
		return nil, fmt.Errorf("failed to decode server data: %w", err)
	}
	if rawResolved != nil {
		if err := json.Unmarshal(rawResolved, &resolvedPayload); err != nil {
			return nil, fmt.Errorf("failed to decode resolved data: %w", err)
		}
		conflict.ResolvedData = resolvedPayload
	}
	conflict.ResolvedAt = resolvedAt
	if resolvedBy != nil {
		conflict.ResolvedBy = *resolvedBy
	}
	if resolvedStrategy != nil {
		conflict.ResolvedStrategy = models.ResolutionStrategy(*resolvedStrategy)
	}
	return &conflict, nil
}

// InsertConflict persists a new PENDING conflict record.
func (s *Store) InsertConflict(ctx context.Context, conflict *models.SyncConflict) error {
	rawClient, err := json.Marshal(conflict.ClientData)
	if err != nil {
		return fmt.Errorf("failed to encode client data: %w", err)
	}
	rawServer, err := json.Marshal(conflict.ServerData)
	if err != nil {
		return fmt.Errorf("failed to encode server data: %w", err)
	}

	_, err = s.querier(ctx).Exec(ctx,
		`INSERT INTO sync_conflicts (id, tenant_id, user_id, entity_type, entity_id, client_data, server_data,
			client_version, server_version, client_device_id, status, suggested_resolution, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		conflict.ID, conflict.TenantID, conflict.UserID, conflict.EntityType, conflict.EntityID,
		rawClient, rawServer, conflict.ClientVersion, conflict.ServerVersion, conflict.ClientDeviceID,
		conflict.Status, conflict.SuggestedResolution, conflict.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns a conflict by id within the tenant.
func (s *Store) GetConflict(ctx context.Context, tenantID, conflictID string) (*models.SyncConflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_conflicts WHERE tenant_id = $1 AND id = $2`, conflictColumns)

	conflict, err := scanConflict(s.querier(ctx).QueryRow(ctx, query, tenantID, conflictID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

// ListPendingConflicts returns the user's PENDING conflicts, newest first.
func (s *Store) ListPendingConflicts(
	ctx context.Context, auth models.AuthContext, limit int,
) ([]models.SyncConflict, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM sync_conflicts
		 WHERE tenant_id = $1 AND user_id = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT $4`, conflictColumns)

	rows, err := s.querier(ctx).Query(ctx, query, auth.TenantID, auth.UserID, models.ConflictStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		conflicts = append(conflicts, *conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return conflicts, nil
}

// MarkConflictResolved transitions a PENDING conflict to RESOLVED. The
// status guard in the WHERE clause makes the transition happen exactly once.
// The applied strategy is recorded separately from the original suggestion,
// which stays untouched for audit.
func (s *Store) MarkConflictResolved(
	ctx context.Context, tenantID, conflictID string,
	strategy models.ResolutionStrategy, resolvedBy string,
	resolvedData models.EntityData, resolvedAt time.Time,
) error {
	rawResolved, err := json.Marshal(resolvedData)
	if err != nil {
		return fmt.Errorf("failed to encode resolved data: %w", err)
	}

	tag, err := s.querier(ctx).Exec(ctx,
		`UPDATE sync_conflicts
		 SET status = $4, resolved_strategy = $5, resolved_by = $6, resolved_data = $7, resolved_at = $8
		 WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, conflictID, models.ConflictStatusPending,
		models.ConflictStatusResolved, strategy, resolvedBy, rawResolved, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish an unknown id from a terminal RESOLVED record.
		var status models.ConflictStatus
		err := s.querier(ctx).QueryRow(ctx,
			`SELECT status FROM sync_conflicts WHERE tenant_id = $1 AND id = $2`,
			tenantID, conflictID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrConflictNotFound, conflictID)
		}
		if err != nil {
			return fmt.Errorf("failed to check conflict status: %w", err)
		}
		return fmt.Errorf("%w: %s", store.ErrConflictResolved, conflictID)
	}
	return nil
}
