// Package v1 provides the REST API handlers for the sync engine.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/learnloop/sync-server/internal/api/common"
	"github.com/learnloop/sync-server/internal/auth"
	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/resolver"
	"github.com/learnloop/sync-server/internal/store"
	"github.com/learnloop/sync-server/internal/sync"
	"github.com/learnloop/sync-server/internal/versions"
)

// maxRequestBody caps request payloads at 4 MiB; push batches are bounded by
// the service's batch size anyway.
const maxRequestBody = 4 << 20

// PushRequest is the body of POST /push.
type PushRequest struct {
	Operations []models.SyncOperation `json:"operations"`
}

// PullRequestBody is the body of POST /pull.
type PullRequestBody struct {
	Since       *time.Time          `json:"since,omitempty"`
	EntityTypes []models.EntityType `json:"entityTypes,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// DeltaRequest is the body of POST /delta.
type DeltaRequest struct {
	EntityType    models.EntityType `json:"entityType"`
	EntityID      string            `json:"entityId"`
	ClientVersion int64             `json:"clientVersion"`
	Fields        models.EntityData `json:"fields"`
}

// ResolveRequest is the body of POST /conflicts/{conflictID}/resolve.
type ResolveRequest struct {
	Strategy   models.ResolutionStrategy `json:"strategy"`
	MergedData models.EntityData         `json:"mergedData,omitempty"`
}

// ConflictsResponse wraps the pending conflict listing.
type ConflictsResponse struct {
	Conflicts []models.SyncConflict `json:"conflicts"`
}

// Routes defines the sync API routes with dependency injection
type Routes struct {
	service sync.Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc sync.Service) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the sync API
func Router(svc sync.Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Post("/push", routes.pushChanges)
	r.Post("/pull", routes.pullChanges)
	r.Post("/delta", routes.deltaChanges)
	r.Get("/conflicts", routes.listConflicts)
	r.Post("/conflicts/{conflictID}/resolve", routes.resolveConflict)
	r.Get("/status", routes.syncStatus)

	return r
}

// pushChanges handles POST /api/v1/sync/push
func (rr *Routes) pushChanges(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req PushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Operations) == 0 {
		common.WriteErrorResponse(w, "operations must not be empty", http.StatusBadRequest)
		return
	}

	result, err := rr.service.PushChanges(r.Context(), authCtx, req.Operations)
	if err != nil {
		writeServiceError(r, w, "push failed", err)
		return
	}

	common.WriteJSONResponse(w, result, http.StatusOK)
}

// pullChanges handles POST /api/v1/sync/pull
func (rr *Routes) pullChanges(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req PullRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := rr.service.PullChanges(r.Context(), authCtx, sync.PullRequest{
		Since:       req.Since,
		EntityTypes: req.EntityTypes,
		Limit:       req.Limit,
	})
	if err != nil {
		writeServiceError(r, w, "pull failed", err)
		return
	}

	common.WriteJSONResponse(w, result, http.StatusOK)
}

// deltaChanges handles POST /api/v1/sync/delta
func (rr *Routes) deltaChanges(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req DeltaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		common.WriteErrorResponse(w, "entityId is required", http.StatusBadRequest)
		return
	}

	result, err := rr.service.GetDeltaChanges(r.Context(), authCtx, req.EntityType, req.EntityID, req.ClientVersion, req.Fields)
	if err != nil {
		writeServiceError(r, w, "delta comparison failed", err)
		return
	}

	common.WriteJSONResponse(w, result, http.StatusOK)
}

// listConflicts handles GET /api/v1/sync/conflicts
func (rr *Routes) listConflicts(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conflicts, err := rr.service.GetPendingConflicts(r.Context(), authCtx)
	if err != nil {
		writeServiceError(r, w, "failed to list conflicts", err)
		return
	}
	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}

	common.WriteJSONResponse(w, ConflictsResponse{Conflicts: conflicts}, http.StatusOK)
}

// resolveConflict handles POST /api/v1/sync/conflicts/{conflictID}/resolve
func (rr *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conflictID := chi.URLParam(r, "conflictID")

	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conflict, err := rr.service.ResolveConflict(r.Context(), authCtx, conflictID, req.Strategy, req.MergedData)
	if err != nil {
		writeServiceError(r, w, "failed to resolve conflict", err)
		return
	}

	common.WriteJSONResponse(w, conflict, http.StatusOK)
}

// syncStatus handles GET /api/v1/sync/status
func (rr *Routes) syncStatus(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		common.WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	status, err := rr.service.GetSyncStatus(r.Context(), authCtx)
	if err != nil {
		writeServiceError(r, w, "failed to load sync status", err)
		return
	}

	common.WriteJSONResponse(w, status, http.StatusOK)
}

// decodeBody decodes the JSON request body into dst, writing a 400 on
// failure. Returns false when the request was already answered.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(dst); err != nil {
		common.WriteErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeServiceError maps service errors to HTTP status codes. Validation
// failures are the caller's fault; everything unexpected is logged and hidden
// behind a 500.
func writeServiceError(r *http.Request, w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, sync.ErrUnknownEntityType),
		errors.Is(err, sync.ErrUnknownOperation),
		errors.Is(err, resolver.ErrUnknownStrategy),
		errors.Is(err, resolver.ErrMissingMergeData):
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, sync.ErrUnauthorized):
		common.WriteErrorResponse(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflictNotFound):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflictResolved):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), message, "error", err)
		common.WriteErrorResponse(w, message, http.StatusInternalServerError)
	}
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(readiness func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(readiness))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests
func readinessHandler(readiness func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(r.Context()); err != nil {
				common.WriteErrorResponse(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}
