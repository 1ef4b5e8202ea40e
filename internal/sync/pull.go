package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
)

// PullChanges returns the server-side changes a device has not seen yet.
// Tombstones are reported separately as deletions and do not count against
// the change limit. Changes are merged across entity types, sorted ascending
// by update time, and truncated to the limit; when more remain, NextCursor
// carries the timestamp to resume from.
func (s *service) PullChanges(ctx context.Context, auth models.AuthContext, req PullRequest) (*PullResult, error) {
	ctx, span := s.startSpan(ctx, "sync.PullChanges")
	defer span.End()

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.pullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}
	span.SetAttributes(otel.AttrPageSize.Int(limit))

	var since time.Time
	if req.Since != nil {
		since = req.Since.UTC()
	}

	entityTypes := req.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = models.AllEntityTypes()
	}
	for _, entityType := range entityTypes {
		if !entityType.Valid() {
			err := fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
			otel.RecordError(span, err)
			return nil, err
		}
	}

	changes := []ServerChange{}
	deletions := []Deletion{}
	for _, entityType := range entityTypes {
		rows, err := s.store.ListChangedSince(ctx, auth, entityType, since, limit)
		if err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to list %s changes: %w", entityType, err)
		}

		for i := range rows {
			row := &rows[i]
			if row.Deleted() {
				deletions = append(deletions, Deletion{
					EntityType: entityType,
					EntityID:   row.EntityID,
					Version:    row.Version,
					DeletedAt:  *row.DeletedAt,
				})
				continue
			}

			// An entity born after the device's last sync arrives as CREATE;
			// anything older is an UPDATE to state the device already holds.
			operation := models.OperationUpdate
			if row.CreatedAt.After(since) {
				operation = models.OperationCreate
			}
			changes = append(changes, ServerChange{
				EntityType: entityType,
				EntityID:   row.EntityID,
				Operation:  operation,
				Data:       row.Data,
				Version:    row.Version,
				Timestamp:  row.UpdatedAt,
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})

	hasMore := len(changes) >= limit
	if len(changes) > limit {
		changes = changes[:limit]
	}

	result := &PullResult{
		Changes:    changes,
		Deletions:  deletions,
		ServerTime: time.Now().UTC(),
		HasMore:    hasMore,
	}
	if hasMore && len(changes) > 0 {
		cursor := changes[len(changes)-1].Timestamp
		result.NextCursor = &cursor
	}

	span.SetAttributes(
		otel.AttrResultCount.Int(len(changes)),
		otel.AttrHasMore.Bool(hasMore),
	)
	return result, nil
}
