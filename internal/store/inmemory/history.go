package inmemory

import (
	"context"

	"github.com/learnloop/sync-server/internal/models"
)

// InsertHistory records one push summary.
func (s *Store) InsertHistory(_ context.Context, auth models.AuthContext, history *models.SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey{tenantID: auth.TenantID, userID: auth.UserID}
	clone := *history
	s.history[key] = append(s.history[key], &clone)
	return nil
}

// LatestHistory returns the user's most recent push summary, or nil.
func (s *Store) LatestHistory(_ context.Context, auth models.AuthContext) (*models.SyncHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[historyKey{tenantID: auth.TenantID, userID: auth.UserID}]
	if len(entries) == 0 {
		return nil, nil
	}
	latest := entries[len(entries)-1]
	clone := *latest
	return &clone, nil
}
