package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
	"github.com/learnloop/sync-server/internal/resolver"
	"github.com/learnloop/sync-server/internal/store"
)

// GetPendingConflicts lists the user's unresolved conflicts, newest first.
func (s *service) GetPendingConflicts(ctx context.Context, auth models.AuthContext) ([]models.SyncConflict, error) {
	ctx, span := s.startSpan(ctx, "sync.GetPendingConflicts")
	defer span.End()

	conflicts, err := s.store.ListPendingConflicts(ctx, auth, s.opts.maxPendingConflicts)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}

	span.SetAttributes(otel.AttrResultCount.Int(len(conflicts)))
	return conflicts, nil
}

// ResolveConflict resolves a pending conflict with the caller's chosen
// strategy, applies the resolved payload as a versioned update, and
// broadcasts the resolution. Only the conflict's owner may resolve it, and
// only once: RESOLVED is terminal.
func (s *service) ResolveConflict(ctx context.Context, auth models.AuthContext, conflictID string, strategy models.ResolutionStrategy, mergedData models.EntityData) (*models.SyncConflict, error) {
	ctx, span := s.startSpan(ctx, "sync.ResolveConflict")
	defer span.End()

	conflict, err := s.store.GetConflict(ctx, auth.TenantID, conflictID)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	if conflict.UserID != auth.UserID {
		otel.RecordError(span, ErrUnauthorized)
		return nil, ErrUnauthorized
	}
	if conflict.Status == models.ConflictStatusResolved {
		otel.RecordError(span, store.ErrConflictResolved)
		return nil, store.ErrConflictResolved
	}
	if !strategy.Valid() {
		err := fmt.Errorf("%w: %q", resolver.ErrUnknownStrategy, strategy)
		otel.RecordError(span, err)
		return nil, err
	}

	resolved, err := resolver.ApplyResolution(strategy, conflict.ClientData, conflict.ServerData,
		mergedData, models.FieldPolicyFor(conflict.EntityType))
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	resolvedAt := time.Now().UTC()
	var version int64
	err = s.store.RunInBatchTx(ctx, func(ctx context.Context) error {
		v, applyErr := s.store.ApplyUpdate(ctx, auth, conflict.EntityType, conflict.EntityID, resolved)
		if applyErr != nil {
			return applyErr
		}
		version = v
		return s.store.MarkConflictResolved(ctx, auth.TenantID, conflictID,
			strategy, auth.UserID, resolved, resolvedAt)
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to apply resolution: %w", err)
	}

	conflict.Status = models.ConflictStatusResolved
	conflict.ResolvedAt = &resolvedAt
	conflict.ResolvedBy = auth.UserID
	conflict.ResolvedStrategy = strategy
	conflict.ResolvedData = resolved

	s.opts.metrics.RecordConflictResolved(ctx, string(strategy), false)
	s.notifier.EmitConflictResolved(ctx, models.ConflictResolvedNotification{
		TenantID:   auth.TenantID,
		UserID:     auth.UserID,
		ConflictID: conflict.ID,
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Strategy:   strategy,
		ResolvedBy: auth.UserID,
	})
	s.notifier.EmitChange(ctx, models.ChangeNotification{
		TenantID:   auth.TenantID,
		UserID:     auth.UserID,
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Operation:  models.OperationUpdate,
		Version:    version,
		DeviceID:   auth.DeviceID,
	})

	return conflict, nil
}
