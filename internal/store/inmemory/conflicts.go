package inmemory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store"
)

// InsertConflict persists a new PENDING conflict.
func (s *Store) InsertConflict(_ context.Context, conflict *models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *conflict
	clone.ClientData = conflict.ClientData.Clone()
	clone.ServerData = conflict.ServerData.Clone()
	s.conflicts[conflict.ID] = &clone
	return nil
}

// GetConflict returns a conflict by id within the tenant.
func (s *Store) GetConflict(_ context.Context, tenantID, conflictID string) (*models.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict, ok := s.conflicts[conflictID]
	if !ok || conflict.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", store.ErrConflictNotFound, conflictID)
	}
	clone := *conflict
	clone.ClientData = conflict.ClientData.Clone()
	clone.ServerData = conflict.ServerData.Clone()
	clone.ResolvedData = conflict.ResolvedData.Clone()
	return &clone, nil
}

// ListPendingConflicts returns the user's PENDING conflicts, newest first.
func (s *Store) ListPendingConflicts(
	_ context.Context, auth models.AuthContext, limit int,
) ([]models.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.SyncConflict
	for _, conflict := range s.conflicts {
		if conflict.TenantID != auth.TenantID || conflict.UserID != auth.UserID {
			continue
		}
		if conflict.Status != models.ConflictStatusPending {
			continue
		}
		clone := *conflict
		clone.ClientData = conflict.ClientData.Clone()
		clone.ServerData = conflict.ServerData.Clone()
		pending = append(pending, clone)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkConflictResolved transitions a PENDING conflict to RESOLVED. The
// applied strategy is recorded separately; the original suggestion stays
// untouched for audit.
func (s *Store) MarkConflictResolved(
	_ context.Context, tenantID, conflictID string,
	strategy models.ResolutionStrategy, resolvedBy string,
	resolvedData models.EntityData, resolvedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict, ok := s.conflicts[conflictID]
	if !ok || conflict.TenantID != tenantID {
		return fmt.Errorf("%w: %s", store.ErrConflictNotFound, conflictID)
	}
	if conflict.Status != models.ConflictStatusPending {
		return fmt.Errorf("%w: %s", store.ErrConflictResolved, conflictID)
	}

	conflict.Status = models.ConflictStatusResolved
	conflict.ResolvedStrategy = strategy
	conflict.ResolvedBy = resolvedBy
	conflict.ResolvedData = resolvedData.Clone()
	conflict.ResolvedAt = &resolvedAt
	return nil
}
