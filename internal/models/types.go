// Package models defines the core data types for the offline-first sync
// engine: client-submitted operations, persisted server entities, conflict
// records, and the per-entity-type policy tables that drive conflict
// resolution.
package models

import (
	"time"
)

// EntityType identifies a logical category of syncable user data. The set is
// closed; every type maps 1:1 to a physical storage table (see the store
// package for the allowlist mapping).
type EntityType string

// Syncable entity types.
const (
	EntityTypeLearningSession EntityType = "learning_session"
	EntityTypeItemResponse    EntityType = "item_response"
	EntityTypeProgress        EntityType = "progress"
	EntityTypeSkillMastery    EntityType = "skill_mastery"
	EntityTypeSettings        EntityType = "settings"
	EntityTypeBookmark        EntityType = "bookmark"
	EntityTypeNote            EntityType = "note"
)

// allEntityTypes is the canonical ordering used when a pull request does not
// restrict the set of types.
var allEntityTypes = []EntityType{
	EntityTypeLearningSession,
	EntityTypeItemResponse,
	EntityTypeProgress,
	EntityTypeSkillMastery,
	EntityTypeSettings,
	EntityTypeBookmark,
	EntityTypeNote,
}

// AllEntityTypes returns the closed set of syncable entity types.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, len(allEntityTypes))
	copy(out, allEntityTypes)
	return out
}

// Valid reports whether t is a member of the closed entity type set.
func (t EntityType) Valid() bool {
	for _, known := range allEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OperationType is the kind of change a device wants to apply.
type OperationType string

// Operation types accepted in a push batch.
const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Valid reports whether op is a known operation type.
func (op OperationType) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// ResolutionStrategy names a conflict resolution policy.
type ResolutionStrategy string

// Conflict resolution strategies.
const (
	StrategyServerWins    ResolutionStrategy = "SERVER_WINS"
	StrategyClientWins    ResolutionStrategy = "CLIENT_WINS"
	StrategyLastWriteWins ResolutionStrategy = "LAST_WRITE_WINS"
	StrategyMerge         ResolutionStrategy = "MERGE"
	StrategyManual        ResolutionStrategy = "MANUAL"
)

// Valid reports whether s is a known resolution strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriteWins, StrategyMerge, StrategyManual:
		return true
	default:
		return false
	}
}

// ConflictStatus is the lifecycle state of a SyncConflict record.
type ConflictStatus string

// Conflict lifecycle states. RESOLVED is terminal; a fresh conflicting write
// creates a new conflict record rather than reopening a resolved one.
const (
	ConflictStatusPending  ConflictStatus = "PENDING"
	ConflictStatusResolved ConflictStatus = "RESOLVED"
)

// EntityData is the schema-agnostic JSON payload of a syncable entity.
// Values follow encoding/json conventions (numbers are float64, nested
// objects are map[string]any, arrays are []any).
type EntityData map[string]any

// Clone returns a deep copy of the payload. Mutating the copy never affects
// the original.
func (d EntityData) Clone() EntityData {
	if d == nil {
		return nil
	}
	out := make(EntityData, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case EntityData:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}

// SyncOperation is one change a device wants to apply. ClientVersion is the
// entity version the device last observed (0 for new entities).
type SyncOperation struct {
	ID            string        `json:"id"`
	EntityType    EntityType    `json:"entityType"`
	EntityID      string        `json:"entityId"`
	Operation     OperationType `json:"operation"`
	Data          EntityData    `json:"data,omitempty"`
	ClientVersion int64         `json:"clientVersion"`
}

// ServerEntity is the persisted state of one syncable entity. Version starts
// at 1 and increases by exactly 1 on every accepted write. A non-nil
// DeletedAt marks a tombstone: logically absent from pull results but
// retained so deletions propagate to other devices.
type ServerEntity struct {
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	Data       EntityData `json:"data"`
	Version    int64      `json:"version"`
	DeviceID   string     `json:"deviceId"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	SyncedAt   time.Time  `json:"syncedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the entity is a tombstone.
func (e *ServerEntity) Deleted() bool {
	return e.DeletedAt != nil
}

// SyncConflict records a rejected write whose client version was not ahead of
// the server. It is created PENDING and transitions to RESOLVED exactly once,
// either automatically or through the manual resolution API.
type SyncConflict struct {
	ID                  string             `json:"id"`
	TenantID            string             `json:"-"`
	UserID              string             `json:"-"`
	EntityType          EntityType         `json:"entityType"`
	EntityID            string             `json:"entityId"`
	ClientData          EntityData         `json:"clientData"`
	ServerData          EntityData         `json:"serverData"`
	ClientVersion       int64              `json:"clientVersion"`
	ServerVersion       int64              `json:"serverVersion"`
	ClientDeviceID      string             `json:"clientDeviceId"`
	Status              ConflictStatus     `json:"status"`
	SuggestedResolution ResolutionStrategy `json:"suggestedResolution"`
	CreatedAt           time.Time          `json:"createdAt"`
	ResolvedAt          *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy          string             `json:"resolvedBy,omitempty"`
	ResolvedStrategy    ResolutionStrategy `json:"resolvedStrategy,omitempty"`
	ResolvedData        EntityData         `json:"resolvedData,omitempty"`
}

// ChangeNotification is the fire-and-forget payload broadcast to other
// connected sessions after an accepted write. It is never persisted.
type ChangeNotification struct {
	TenantID   string        `json:"tenantId"`
	UserID     string        `json:"userId"`
	EntityType EntityType    `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Operation  OperationType `json:"operation"`
	Version    int64         `json:"version"`
	DeviceID   string        `json:"deviceId"`
}

// ConflictResolvedNotification announces that a pending conflict was
// resolved, so other devices can refresh the affected entity.
type ConflictResolvedNotification struct {
	TenantID   string             `json:"tenantId"`
	UserID     string             `json:"userId"`
	ConflictID string             `json:"conflictId"`
	EntityType EntityType         `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedBy string             `json:"resolvedBy"`
}

// SyncHistory summarizes one push call. Observability only, not
// correctness-critical.
type SyncHistory struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	SyncedAt  time.Time `json:"syncedAt"`
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Conflicts int       `json:"conflicts"`
}

// AuthContext carries the authenticated request identity. Authentication
// itself happens in the surrounding HTTP layer; every entity row is
// exclusively scoped to (TenantID, UserID).
type AuthContext struct {
	TenantID string
	UserID   string
	DeviceID string
}
