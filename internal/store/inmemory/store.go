// Package inmemory implements the sync store in process memory. It backs the
// service tests and the dev storage mode; semantics mirror the postgres
// implementation, including per-operation rollback inside a batch.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store"
)

type entityKey struct {
	tenantID   string
	userID     string
	entityType models.EntityType
	entityID   string
}

type historyKey struct {
	tenantID string
	userID   string
}

// Store implements store.Store with in-process maps.
type Store struct {
	mu        sync.Mutex
	batchMu   sync.Mutex
	entities  map[entityKey]*models.ServerEntity
	conflicts map[string]*models.SyncConflict
	history   map[historyKey][]*models.SyncHistory
	lastTick  time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities:  make(map[entityKey]*models.ServerEntity),
		conflicts: make(map[string]*models.SyncConflict),
		history:   make(map[historyKey][]*models.SyncHistory),
	}
}

// now returns a strictly increasing timestamp so "updated strictly after"
// queries behave deterministically even for writes within the same
// nanosecond.
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastTick) {
		t = s.lastTick.Add(time.Nanosecond)
	}
	s.lastTick = t
	return t
}

type snapshot struct {
	entities  map[entityKey]*models.ServerEntity
	conflicts map[string]*models.SyncConflict
	history   map[historyKey][]*models.SyncHistory
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		entities:  make(map[entityKey]*models.ServerEntity, len(s.entities)),
		conflicts: make(map[string]*models.SyncConflict, len(s.conflicts)),
		history:   make(map[historyKey][]*models.SyncHistory, len(s.history)),
	}
	for k, e := range s.entities {
		clone := *e
		clone.Data = e.Data.Clone()
		snap.entities[k] = &clone
	}
	for k, c := range s.conflicts {
		clone := *c
		clone.ClientData = c.ClientData.Clone()
		clone.ServerData = c.ServerData.Clone()
		clone.ResolvedData = c.ResolvedData.Clone()
		snap.conflicts[k] = &clone
	}
	for k, h := range s.history {
		snap.history[k] = append([]*models.SyncHistory(nil), h...)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.entities = snap.entities
	s.conflicts = snap.conflicts
	s.history = snap.history
}

// RunInBatchTx serializes the batch against other batches and rolls the
// whole store back if fn fails.
func (s *Store) RunInBatchTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

// RunIsolated rolls back only fn's writes on failure.
func (s *Store) RunIsolated(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetEntity returns a copy of the live entity or nil.
func (s *Store) GetEntity(
	_ context.Context, auth models.AuthContext, entityType models.EntityType, entityID string,
) (*models.ServerEntity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[s.key(auth, entityType, entityID)]
	if !ok || entity.Deleted() {
		return nil, nil
	}
	return copyEntity(entity), nil
}

// InsertEntity creates the entity at version 1, reviving tombstones with a
// version bump like the postgres implementation.
func (s *Store) InsertEntity(
	_ context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, data models.EntityData,
) (int64, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(auth, entityType, entityID)
	now := s.now()
	if existing, ok := s.entities[key]; ok {
		if !existing.Deleted() {
			return 0, fmt.Errorf("%w: %s/%s", store.ErrDuplicateEntity, entityType, entityID)
		}
		existing.Data = data.Clone()
		existing.Version++
		existing.DeviceID = auth.DeviceID
		existing.UpdatedAt = now
		existing.SyncedAt = now
		existing.DeletedAt = nil
		return existing.Version, nil
	}

	s.entities[key] = &models.ServerEntity{
		EntityID:   entityID,
		EntityType: entityType,
		Data:       data.Clone(),
		Version:    1,
		DeviceID:   auth.DeviceID,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncedAt:   now,
	}
	return 1, nil
}

// ApplyUpdate shallow-merges patch into the entity data and bumps version.
func (s *Store) ApplyUpdate(
	_ context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, patch models.EntityData,
) (int64, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[s.key(auth, entityType, entityID)]
	if !ok || entity.Deleted() {
		return 0, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, entityID)
	}

	if entity.Data == nil {
		entity.Data = models.EntityData{}
	}
	for k, v := range patch.Clone() {
		entity.Data[k] = v
	}
	entity.Version++
	entity.DeviceID = auth.DeviceID
	now := s.now()
	entity.UpdatedAt = now
	entity.SyncedAt = now
	return entity.Version, nil
}

// SoftDelete tombstones the entity; repeat deletes are no-ops.
func (s *Store) SoftDelete(
	_ context.Context, auth models.AuthContext, entityType models.EntityType, entityID string,
) (int64, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[s.key(auth, entityType, entityID)]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, entityID)
	}
	if entity.Deleted() {
		return entity.Version, nil
	}

	now := s.now()
	entity.DeletedAt = &now
	entity.Version++
	entity.DeviceID = auth.DeviceID
	entity.UpdatedAt = now
	entity.SyncedAt = now
	return entity.Version, nil
}

// ListChangedSince returns rows updated strictly after since, ascending by
// update time, tombstones included.
func (s *Store) ListChangedSince(
	_ context.Context, auth models.AuthContext, entityType models.EntityType, since time.Time, limit int,
) ([]models.ServerEntity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidEntityType, entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []models.ServerEntity
	for key, entity := range s.entities {
		if key.tenantID != auth.TenantID || key.userID != auth.UserID || key.entityType != entityType {
			continue
		}
		if entity.UpdatedAt.After(since) {
			changed = append(changed, *copyEntity(entity))
		}
	}
	sortByUpdatedAt(changed)
	if limit > 0 && len(changed) > limit {
		changed = changed[:limit]
	}
	return changed, nil
}

func (s *Store) key(auth models.AuthContext, entityType models.EntityType, entityID string) entityKey {
	return entityKey{
		tenantID:   auth.TenantID,
		userID:     auth.UserID,
		entityType: entityType,
		entityID:   entityID,
	}
}

func copyEntity(entity *models.ServerEntity) *models.ServerEntity {
	clone := *entity
	clone.Data = entity.Data.Clone()
	if entity.DeletedAt != nil {
		deletedAt := *entity.DeletedAt
		clone.DeletedAt = &deletedAt
	}
	return &clone
}

func sortByUpdatedAt(entities []models.ServerEntity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].UpdatedAt.Before(entities[j].UpdatedAt)
	})
}
