package sync

import (
	"errors"
	"time"

	"github.com/learnloop/sync-server/internal/models"
)

var (
	// ErrUnauthorized is returned when a caller acts on a conflict owned by
	// a different user.
	ErrUnauthorized = errors.New("conflict belongs to a different user")

	// ErrUnknownOperation rejects an operation type outside the closed set.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrUnknownEntityType rejects an entity type outside the closed set.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// RejectedOperation explains why one push operation was not applied. ID is the
// client-assigned operation id.
type RejectedOperation struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// PushResult summarizes one push call. Conflicts lists every conflict record
// created during the call, including those the engine resolved automatically
// (their Status is RESOLVED).
type PushResult struct {
	Accepted   []string              `json:"accepted"`
	Rejected   []RejectedOperation   `json:"rejected"`
	Conflicts  []models.SyncConflict `json:"conflicts"`
	ServerTime time.Time             `json:"serverTime"`
}

// AcceptedCount returns the number of applied operations.
func (r *PushResult) AcceptedCount() int { return len(r.Accepted) }

// RejectedCount returns the number of rejected operations.
func (r *PushResult) RejectedCount() int { return len(r.Rejected) }

// ConflictCount returns the number of conflicts created.
func (r *PushResult) ConflictCount() int { return len(r.Conflicts) }

// PullRequest selects which server changes to return. A nil Since means
// "everything"; empty EntityTypes means all types; Limit 0 falls back to the
// service default.
type PullRequest struct {
	Since       *time.Time
	EntityTypes []models.EntityType
	Limit       int
}

// ServerChange is one live entity change returned by a pull.
type ServerChange struct {
	EntityType models.EntityType    `json:"entityType"`
	EntityID   string               `json:"entityId"`
	Operation  models.OperationType `json:"operation"`
	Data       models.EntityData    `json:"data"`
	Version    int64                `json:"version"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Deletion propagates a tombstone to the pulling device.
type Deletion struct {
	EntityType models.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Version    int64             `json:"version"`
	DeletedAt  time.Time         `json:"deletedAt"`
}

// PullResult is the response of one pull call. NextCursor is the timestamp of
// the last returned change and is only set when HasMore is true.
type PullResult struct {
	Changes    []ServerChange `json:"changes"`
	Deletions  []Deletion     `json:"deletions"`
	ServerTime time.Time      `json:"serverTime"`
	HasMore    bool           `json:"hasMore"`
	NextCursor *time.Time     `json:"nextCursor,omitempty"`
}

// FieldDelta is one field-level difference between a client payload and the
// server's current state. HasConflict is true only when the server has moved
// past the client's version and the field is not exempted by the entity
// type's non-conflicting allowlist.
type FieldDelta struct {
	Field       string `json:"field"`
	ClientValue any    `json:"clientValue"`
	ServerValue any    `json:"serverValue"`
	HasConflict bool   `json:"hasConflict"`
}

// DeltaResult is the field-by-field comparison for one entity.
type DeltaResult struct {
	EntityType    models.EntityType `json:"entityType"`
	EntityID      string            `json:"entityId"`
	ClientVersion int64             `json:"clientVersion"`
	ServerVersion int64             `json:"serverVersion"`
	Deltas        []FieldDelta      `json:"deltas"`
}

// SyncStatus reports a user's sync standing: the last push summary (nil when
// the user never pushed) and the current pending conflict count.
type SyncStatus struct {
	LastSync         *models.SyncHistory `json:"lastSync,omitempty"`
	PendingConflicts int                 `json:"pendingConflicts"`
	ServerTime       time.Time           `json:"serverTime"`
}
