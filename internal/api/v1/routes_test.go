package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnloop/sync-server/internal/auth"
	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/store/inmemory"
	"github.com/learnloop/sync-server/internal/sync"
)

type nopNotifier struct{}

func (nopNotifier) EmitChange(context.Context, models.ChangeNotification)                     {}
func (nopNotifier) EmitConflictResolved(context.Context, models.ConflictResolvedNotification) {}

var testIdentity = models.AuthContext{TenantID: "tenant-1", UserID: "user-1", DeviceID: "device-1"}

// newTestHandler builds the v1 router behind a middleware that injects a
// fixed identity, standing in for the JWT middleware.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	svc, err := sync.New(inmemory.New(), nopNotifier{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithAuthContext(req.Context(), testIdentity)))
		})
	})
	r.Mount("/", Router(svc))
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func pushOps(t *testing.T, handler http.Handler, ops ...models.SyncOperation) sync.PushResult {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/push", PushRequest{Operations: ops})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result sync.PushResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestPushAndPullRoundtrip(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)

	result := pushOps(t, handler, models.SyncOperation{
		ID:            "op-1",
		EntityType:    models.EntityTypeProgress,
		EntityID:      "p-1",
		Operation:     models.OperationCreate,
		Data:          models.EntityData{"score": 5.0},
		ClientVersion: 1,
	})
	assert.Equal(t, []string{"op-1"}, result.Accepted)
	assert.Empty(t, result.Rejected)

	rec := doJSON(t, handler, http.MethodPost, "/pull", PullRequestBody{})
	require.Equal(t, http.StatusOK, rec.Code)

	var pull sync.PullResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pull))
	require.Len(t, pull.Changes, 1)
	assert.Equal(t, "p-1", pull.Changes[0].EntityID)
	assert.Equal(t, models.OperationCreate, pull.Changes[0].Operation)
	assert.False(t, pull.HasMore)
}

func TestPush_BadRequests(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/push", PushRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPull_UnknownEntityType(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)
	rec := doJSON(t, handler, http.MethodPost, "/pull", PullRequestBody{
		EntityTypes: []models.EntityType{"homework"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictEndpoints(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)

	pushOps(t, handler, models.SyncOperation{
		ID: "op-1", EntityType: models.EntityTypeNote, EntityID: "n-1",
		Operation: models.OperationCreate, Data: models.EntityData{"content": "server"}, ClientVersion: 1,
	})
	result := pushOps(t, handler, models.SyncOperation{
		ID: "op-2", EntityType: models.EntityTypeNote, EntityID: "n-1",
		Operation: models.OperationUpdate, Data: models.EntityData{"content": "client"}, ClientVersion: 1,
	})
	require.Len(t, result.Conflicts, 1)
	conflictID := result.Conflicts[0].ID

	rec := doJSON(t, handler, http.MethodGet, "/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ConflictsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Conflicts, 1)
	assert.Equal(t, conflictID, listing.Conflicts[0].ID)

	// MANUAL without merged data is the caller's mistake.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/conflicts/%s/resolve", conflictID),
		ResolveRequest{Strategy: models.StrategyManual})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/conflicts/%s/resolve", conflictID),
		ResolveRequest{Strategy: models.StrategyClientWins})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved models.SyncConflict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, models.ConflictStatusResolved, resolved.Status)

	// Resolving twice is a conflict, unknown ids are not found.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/conflicts/%s/resolve", conflictID),
		ResolveRequest{Strategy: models.StrategyServerWins})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/conflicts/ghost/resolve",
		ResolveRequest{Strategy: models.StrategyServerWins})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeltaEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)

	pushOps(t, handler, models.SyncOperation{
		ID: "op-1", EntityType: models.EntityTypeProgress, EntityID: "p-1",
		Operation: models.OperationCreate, Data: models.EntityData{"score": 5.0}, ClientVersion: 1,
	})

	rec := doJSON(t, handler, http.MethodPost, "/delta", DeltaRequest{
		EntityType:    models.EntityTypeProgress,
		EntityID:      "p-1",
		ClientVersion: 1,
		Fields:        models.EntityData{"score": 9.0},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var delta sync.DeltaResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delta))
	require.Len(t, delta.Deltas, 1)
	assert.Equal(t, "score", delta.Deltas[0].Field)

	rec = doJSON(t, handler, http.MethodPost, "/delta", DeltaRequest{
		EntityType: models.EntityTypeProgress, EntityID: "ghost", ClientVersion: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/delta", DeltaRequest{EntityType: models.EntityTypeProgress})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status sync.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Nil(t, status.LastSync)
	assert.Zero(t, status.PendingConflicts)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	t.Parallel()

	svc, err := sync.New(inmemory.New(), nopNotifier{})
	require.NoError(t, err)
	handler := Router(svc)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/push"},
		{http.MethodPost, "/pull"},
		{http.MethodPost, "/delta"},
		{http.MethodGet, "/conflicts"},
		{http.MethodGet, "/status"},
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(route.method, route.path, bytes.NewBufferString("{}")))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestHealthRouter(t *testing.T) {
	t.Parallel()

	healthy := HealthRouter(nil)
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_version")

	unready := HealthRouter(func(context.Context) error { return errors.New("database down") })
	rec = httptest.NewRecorder()
	unready.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
