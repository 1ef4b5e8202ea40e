// Package sync implements the offline-first synchronization engine: it
// processes push batches from devices, detects version conflicts, applies
// resolution strategies, computes pull deltas, and manages the conflict
// lifecycle.
package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/otel"
	"github.com/learnloop/sync-server/internal/store"
	"github.com/learnloop/sync-server/internal/telemetry"
)

const (
	defaultBatchSize           = 50
	defaultPullLimit           = 100
	maxPullLimit               = 500
	defaultMaxPendingConflicts = 100

	// autoResolvedBy marks conflicts resolved by the engine rather than a
	// user.
	autoResolvedBy = "auto"
)

// Service is the synchronization engine consumed by the API layer.
type Service interface {
	// PushChanges applies a batch of client operations, detecting and
	// possibly auto-resolving conflicts. Operation-level failures become
	// structured rejections; the call itself only fails on malformed input
	// or infrastructure breakage.
	PushChanges(ctx context.Context, auth models.AuthContext, operations []models.SyncOperation) (*PushResult, error)

	// PullChanges returns server-side changes after the client's last sync
	// timestamp, tombstones separated from live changes.
	PullChanges(ctx context.Context, auth models.AuthContext, req PullRequest) (*PullResult, error)

	// GetDeltaChanges compares client fields against server state for one
	// entity without a full push.
	GetDeltaChanges(ctx context.Context, auth models.AuthContext, entityType models.EntityType, entityID string, clientVersion int64, clientFields models.EntityData) (*DeltaResult, error)

	// GetPendingConflicts lists the user's PENDING conflicts, newest first.
	GetPendingConflicts(ctx context.Context, auth models.AuthContext) ([]models.SyncConflict, error)

	// ResolveConflict resolves a pending conflict with the chosen strategy,
	// applies the result as a versioned update, and broadcasts the
	// resolution.
	ResolveConflict(ctx context.Context, auth models.AuthContext, conflictID string, strategy models.ResolutionStrategy, mergedData models.EntityData) (*models.SyncConflict, error)

	// GetSyncStatus reports the user's last push summary and pending
	// conflict count.
	GetSyncStatus(ctx context.Context, auth models.AuthContext) (*SyncStatus, error)
}

// EventNotifier is the broadcast surface the service depends on. Delivery is
// best-effort; implementations must never fail the sync path.
type EventNotifier interface {
	EmitChange(ctx context.Context, change models.ChangeNotification)
	EmitConflictResolved(ctx context.Context, resolved models.ConflictResolvedNotification)
}

// Option configures the sync service.
type Option func(*options) error

type options struct {
	batchSize           int
	pullLimit           int
	autoResolve         bool
	maxPendingConflicts int
	tracer              trace.Tracer
	metrics             *telemetry.SyncMetrics
}

// WithBatchSize sets how many operations share one push transaction.
func WithBatchSize(size int) Option {
	return func(o *options) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be greater than zero, got %d", size)
		}
		o.batchSize = size
		return nil
	}
}

// WithPullLimit sets the default number of changes returned per pull.
func WithPullLimit(limit int) Option {
	return func(o *options) error {
		if limit <= 0 || limit > maxPullLimit {
			return fmt.Errorf("pull limit must be in (0, %d], got %d", maxPullLimit, limit)
		}
		o.pullLimit = limit
		return nil
	}
}

// WithAutoResolve toggles automatic conflict resolution during push.
func WithAutoResolve(enabled bool) Option {
	return func(o *options) error {
		o.autoResolve = enabled
		return nil
	}
}

// WithMaxPendingConflicts caps the pending conflict listing.
func WithMaxPendingConflicts(limit int) Option {
	return func(o *options) error {
		if limit <= 0 {
			return fmt.Errorf("max pending conflicts must be greater than zero, got %d", limit)
		}
		o.maxPendingConflicts = limit
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer. If not set, tracing is a no-op.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		o.tracer = tracer
		return nil
	}
}

// WithMetrics sets the sync metric instruments. If not set, metrics are a
// no-op.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(o *options) error {
		o.metrics = metrics
		return nil
	}
}

type service struct {
	store    store.Store
	notifier EventNotifier
	opts     options
}

var _ Service = (*service)(nil)

// New creates the sync service. The store and notifier are injected; the
// notifier's connection lifecycle belongs to the application, not this
// service.
func New(st store.Store, events EventNotifier, opts ...Option) (Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event notifier is required")
	}

	cfg := options{
		batchSize:           defaultBatchSize,
		pullLimit:           defaultPullLimit,
		autoResolve:         true,
		maxPendingConflicts: defaultMaxPendingConflicts,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &service{store: st, notifier: events, opts: cfg}, nil
}

func (s *service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.opts.tracer, name)
}
