package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
)

// GetSyncStatus reports the user's last push summary and how many conflicts
// are waiting on them.
func (s *service) GetSyncStatus(ctx context.Context, auth models.AuthContext) (*SyncStatus, error) {
	ctx, span := s.startSpan(ctx, "sync.GetSyncStatus")
	defer span.End()

	latest, err := s.store.LatestHistory(ctx, auth)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to load sync history: %w", err)
	}

	pending, err := s.store.ListPendingConflicts(ctx, auth, s.opts.maxPendingConflicts)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}

	return &SyncStatus{
		LastSync:         latest,
		PendingConflicts: len(pending),
		ServerTime:       time.Now().UTC(),
	}, nil
}
