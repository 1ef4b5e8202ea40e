package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
	"github.com/learnloop/sync-server/internal/resolver"
)

// opOutcome is the result of processing a single push operation inside the
// batch transaction. Exactly one of accepted/reason describes the outcome;
// conflict is set whenever a conflict record was created, even if the engine
// resolved it automatically.
type opOutcome struct {
	accepted bool
	reason   string
	conflict *models.SyncConflict
	notify   *models.ChangeNotification
}

// PushChanges applies client operations in transactional batches. Each batch
// shares one transaction; each operation inside it runs isolated, so a single
// rejected operation never rolls back its siblings. Notifications are emitted
// only after the owning batch commits.
func (s *service) PushChanges(ctx context.Context, auth models.AuthContext, operations []models.SyncOperation) (*PushResult, error) {
	ctx, span := s.startSpan(ctx, "sync.PushChanges")
	defer span.End()
	span.SetAttributes(
		otel.AttrDeviceID.String(auth.DeviceID),
		otel.AttrOperationCount.Int(len(operations)),
	)

	start := time.Now()
	result := &PushResult{
		Accepted:  []string{},
		Rejected:  []RejectedOperation{},
		Conflicts: []models.SyncConflict{},
	}

	for offset := 0; offset < len(operations); offset += s.opts.batchSize {
		batch := operations[offset:min(offset+s.opts.batchSize, len(operations))]

		var (
			accepted      []string
			rejected      []RejectedOperation
			conflicts     []models.SyncConflict
			notifications []models.ChangeNotification
		)

		err := s.store.RunInBatchTx(ctx, func(ctx context.Context) error {
			for _, op := range batch {
				outcome := s.processOperation(ctx, auth, op)
				if outcome.conflict != nil {
					conflicts = append(conflicts, *outcome.conflict)
				}
				if outcome.accepted {
					accepted = append(accepted, op.ID)
					if outcome.notify != nil {
						notifications = append(notifications, *outcome.notify)
					}
					continue
				}
				rejected = append(rejected, RejectedOperation{ID: op.ID, Reason: outcome.reason})
			}
			return nil
		})
		if err != nil {
			// The whole batch rolled back, including any conflict records it
			// created. Every operation in it is rejected as a unit.
			slog.ErrorContext(ctx, "Push batch transaction failed",
				"device_id", auth.DeviceID, "batch_size", len(batch), "error", err)
			for _, op := range batch {
				result.Rejected = append(result.Rejected, RejectedOperation{
					ID:     op.ID,
					Reason: fmt.Sprintf("batch transaction failed: %v", err),
				})
			}
			continue
		}

		result.Accepted = append(result.Accepted, accepted...)
		result.Rejected = append(result.Rejected, rejected...)
		result.Conflicts = append(result.Conflicts, conflicts...)

		// Committed: safe to announce to other sessions.
		for _, notification := range notifications {
			s.notifier.EmitChange(ctx, notification)
		}
	}

	result.ServerTime = time.Now().UTC()

	if len(operations) > 0 {
		history := &models.SyncHistory{
			ID:        uuid.NewString(),
			DeviceID:  auth.DeviceID,
			SyncedAt:  result.ServerTime,
			Accepted:  result.AcceptedCount(),
			Rejected:  result.RejectedCount(),
			Conflicts: result.ConflictCount(),
		}
		if err := s.store.InsertHistory(ctx, auth, history); err != nil {
			// History is observability only; never fail an applied push over it.
			slog.WarnContext(ctx, "Failed to record sync history",
				"device_id", auth.DeviceID, "error", err)
		}
	}

	s.opts.metrics.RecordPush(ctx, result.AcceptedCount(), result.RejectedCount(),
		result.ConflictCount(), time.Since(start))
	span.SetAttributes(
		otel.AttrAcceptedCount.Int(result.AcceptedCount()),
		otel.AttrRejectedCount.Int(result.RejectedCount()),
		otel.AttrConflictCount.Int(result.ConflictCount()),
	)

	return result, nil
}

// processOperation validates and applies one operation inside the ambient
// batch transaction. Write paths run isolated so a failure rolls back only
// this operation's rows.
func (s *service) processOperation(ctx context.Context, auth models.AuthContext, op models.SyncOperation) opOutcome {
	if !op.EntityType.Valid() {
		return opOutcome{reason: fmt.Sprintf("%v: %q", ErrUnknownEntityType, op.EntityType)}
	}
	if !op.Operation.Valid() {
		return opOutcome{reason: fmt.Sprintf("%v: %q", ErrUnknownOperation, op.Operation)}
	}

	entity, err := s.store.GetEntity(ctx, auth, op.EntityType, op.EntityID)
	if err != nil {
		return opOutcome{reason: fmt.Sprintf("failed to load entity: %v", err)}
	}

	// Version check: a write whose clientVersion is not ahead of the server
	// is a conflict. Deletes are exempt; they are idempotent and tombstoning
	// a newer server copy is still what the user asked for. A stale delete
	// still leaves an auto-resolved conflict record for audit.
	if op.Operation != models.OperationDelete && entity != nil && entity.Version >= op.ClientVersion {
		return s.handleConflict(ctx, auth, op, entity)
	}

	var version int64
	err = s.store.RunIsolated(ctx, func(ctx context.Context) error {
		var applyErr error
		switch op.Operation {
		case models.OperationCreate:
			version, applyErr = s.store.InsertEntity(ctx, auth, op.EntityType, op.EntityID, op.Data)
		case models.OperationUpdate:
			version, applyErr = s.store.ApplyUpdate(ctx, auth, op.EntityType, op.EntityID, op.Data)
		case models.OperationDelete:
			version, applyErr = s.store.SoftDelete(ctx, auth, op.EntityType, op.EntityID)
		}
		return applyErr
	})
	if err != nil {
		return opOutcome{reason: err.Error()}
	}

	outcome := opOutcome{
		accepted: true,
		notify: &models.ChangeNotification{
			TenantID:   auth.TenantID,
			UserID:     auth.UserID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Operation:  op.Operation,
			Version:    version,
			DeviceID:   auth.DeviceID,
		},
	}
	if op.Operation == models.OperationDelete && entity != nil && entity.Version > op.ClientVersion {
		outcome.conflict = s.recordResolvedDelete(ctx, auth, op, entity)
	}
	return outcome
}

// recordResolvedDelete writes an audit conflict for a delete that tombstoned a
// newer server copy. The delete has already won, so the record is created and
// resolved CLIENT_WINS in one step; failing to write it never un-accepts the
// delete.
func (s *service) recordResolvedDelete(ctx context.Context, auth models.AuthContext, op models.SyncOperation, entity *models.ServerEntity) *models.SyncConflict {
	resolvedAt := time.Now().UTC()
	conflict := &models.SyncConflict{
		ID:                  uuid.NewString(),
		TenantID:            auth.TenantID,
		UserID:              auth.UserID,
		EntityType:          op.EntityType,
		EntityID:            op.EntityID,
		ClientData:          op.Data.Clone(),
		ServerData:          entity.Data.Clone(),
		ClientVersion:       op.ClientVersion,
		ServerVersion:       entity.Version,
		ClientDeviceID:      auth.DeviceID,
		Status:              models.ConflictStatusPending,
		SuggestedResolution: models.StrategyClientWins,
		CreatedAt:           resolvedAt,
	}
	err := s.store.RunIsolated(ctx, func(ctx context.Context) error {
		if insertErr := s.store.InsertConflict(ctx, conflict); insertErr != nil {
			return insertErr
		}
		return s.store.MarkConflictResolved(ctx, auth.TenantID, conflict.ID,
			models.StrategyClientWins, autoResolvedBy, nil, resolvedAt)
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to record stale delete conflict",
			"entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
		return nil
	}

	conflict.Status = models.ConflictStatusResolved
	conflict.ResolvedAt = &resolvedAt
	conflict.ResolvedBy = autoResolvedBy
	conflict.ResolvedStrategy = models.StrategyClientWins

	s.opts.metrics.RecordConflictResolved(ctx, string(models.StrategyClientWins), true)
	return conflict
}

// handleConflict records a conflict for op against the current server entity
// and, when enabled, tries to resolve it in place with the entity type's
// suggested strategy. The conflict record itself is written in the ambient
// batch transaction so it survives even when the resolution attempt rolls
// back.
func (s *service) handleConflict(ctx context.Context, auth models.AuthContext, op models.SyncOperation, entity *models.ServerEntity) opOutcome {
	conflict := &models.SyncConflict{
		ID:                  uuid.NewString(),
		TenantID:            auth.TenantID,
		UserID:              auth.UserID,
		EntityType:          op.EntityType,
		EntityID:            op.EntityID,
		ClientData:          op.Data.Clone(),
		ServerData:          entity.Data.Clone(),
		ClientVersion:       op.ClientVersion,
		ServerVersion:       entity.Version,
		ClientDeviceID:      auth.DeviceID,
		Status:              models.ConflictStatusPending,
		SuggestedResolution: models.DefaultStrategy(op.EntityType),
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.store.InsertConflict(ctx, conflict); err != nil {
		return opOutcome{reason: fmt.Sprintf("failed to record conflict: %v", err)}
	}

	pending := opOutcome{conflict: conflict, reason: "version conflict pending resolution"}
	if !s.opts.autoResolve {
		return pending
	}

	resolved, err := resolver.AttemptAutoResolve(conflict, op.Data, entity.Data)
	if err != nil {
		slog.WarnContext(ctx, "Automatic conflict resolution failed",
			"conflict_id", conflict.ID, "entity_type", op.EntityType, "error", err)
		return pending
	}
	if resolved == nil {
		// MANUAL strategy: the conflict stays pending for the user.
		return pending
	}

	resolvedAt := time.Now().UTC()
	var version int64
	err = s.store.RunIsolated(ctx, func(ctx context.Context) error {
		v, applyErr := s.store.ApplyUpdate(ctx, auth, op.EntityType, op.EntityID, resolved)
		if applyErr != nil {
			return applyErr
		}
		version = v
		return s.store.MarkConflictResolved(ctx, auth.TenantID, conflict.ID,
			conflict.SuggestedResolution, autoResolvedBy, resolved, resolvedAt)
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to apply automatic conflict resolution",
			"conflict_id", conflict.ID, "entity_type", op.EntityType, "error", err)
		return pending
	}

	conflict.Status = models.ConflictStatusResolved
	conflict.ResolvedAt = &resolvedAt
	conflict.ResolvedBy = autoResolvedBy
	conflict.ResolvedStrategy = conflict.SuggestedResolution
	conflict.ResolvedData = resolved

	s.opts.metrics.RecordConflictResolved(ctx, string(conflict.SuggestedResolution), true)

	return opOutcome{
		accepted: true,
		conflict: conflict,
		notify: &models.ChangeNotification{
			TenantID:   auth.TenantID,
			UserID:     auth.UserID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Operation:  models.OperationUpdate,
			Version:    version,
			DeviceID:   auth.DeviceID,
		},
	}
}
