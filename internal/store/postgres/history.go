package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/learnloop/sync-server/internal/models"
)

// InsertHistory persists one push summary row.
func (s *Store) InsertHistory(ctx context.Context, auth models.AuthContext, history *models.SyncHistory) error {
	_, err := s.querier(ctx).Exec(ctx,
		`INSERT INTO sync_history (id, tenant_id, user_id, device_id, synced_at, accepted, rejected, conflicts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		history.ID, auth.TenantID, auth.UserID, history.DeviceID, history.SyncedAt,
		history.Accepted, history.Rejected, history.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to insert sync history: %w", err)
	}
	return nil
}

// LatestHistory returns the user's most recent push summary, or nil when the
// user has never pushed.
func (s *Store) LatestHistory(ctx context.Context, auth models.AuthContext) (*models.SyncHistory, error) {
	var history models.SyncHistory
	err := s.querier(ctx).QueryRow(ctx,
		`SELECT id, device_id, synced_at, accepted, rejected, conflicts
		 FROM sync_history WHERE tenant_id = $1 AND user_id = $2
		 ORDER BY synced_at DESC LIMIT 1`,
		auth.TenantID, auth.UserID).Scan(
		&history.ID, &history.DeviceID, &history.SyncedAt,
		&history.Accepted, &history.Rejected, &history.Conflicts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync history: %w", err)
	}
	return &history, nil
}
