package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
	"github.com/learnloop/sync-server/internal/resolver"
	"github.com/learnloop/sync-server/internal/store"
)

// GetDeltaChanges compares a client payload field by field against the
// server's current copy of one entity, letting a device reconcile without a
// full push. A field differing only counts as a conflict when the server has
// moved past the client's version and the field is not in the entity type's
// non-conflicting allowlist (high-churn fields like activity timestamps).
func (s *service) GetDeltaChanges(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, clientVersion int64, clientFields models.EntityData) (*DeltaResult, error) {
	ctx, span := s.startSpan(ctx, "sync.GetDeltaChanges")
	defer span.End()
	span.SetAttributes(
		otel.AttrEntityType.String(string(entityType)),
		otel.AttrEntityID.String(entityID),
	)

	if !entityType.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
		otel.RecordError(span, err)
		return nil, err
	}

	entity, err := s.store.GetEntity(ctx, auth, entityType, entityID)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if entity == nil {
		err := fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, entityID)
		otel.RecordError(span, err)
		return nil, err
	}

	serverAhead := entity.Version > clientVersion
	result := &DeltaResult{
		EntityType:    entityType,
		EntityID:      entityID,
		ClientVersion: clientVersion,
		ServerVersion: entity.Version,
		Deltas:        []FieldDelta{},
	}

	for _, field := range sortedKeys(clientFields) {
		clientValue := clientFields[field]
		serverValue, onServer := entity.Data[field]
		if onServer && resolver.Equal(clientValue, serverValue) {
			continue
		}
		result.Deltas = append(result.Deltas, FieldDelta{
			Field:       field,
			ClientValue: clientValue,
			ServerValue: serverValue,
			HasConflict: serverAhead && onServer && !models.IsNonConflictingField(entityType, field),
		})
	}

	// Fields the server holds that the client payload lacks entirely. These
	// are informational: the client simply has not seen them yet.
	for _, field := range sortedKeys(entity.Data) {
		if _, known := clientFields[field]; known {
			continue
		}
		result.Deltas = append(result.Deltas, FieldDelta{
			Field:       field,
			ServerValue: entity.Data[field],
		})
	}

	span.SetAttributes(otel.AttrResultCount.Int(len(result.Deltas)))
	return result, nil
}

func sortedKeys(data models.EntityData) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
