// Package telemetry provides OpenTelemetry instrumentation for the sync server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/learnloop/sync-server/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	operationsAccepted metric.Int64Counter
	operationsRejected metric.Int64Counter
	conflictsDetected  metric.Int64Counter
	conflictsResolved  metric.Int64Counter
	pushDuration       metric.Float64Histogram
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	operationsAccepted, err := meter.Int64Counter(
		"learnloop_sync_operations_accepted_total",
		metric.WithDescription("Number of push operations accepted"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	operationsRejected, err := meter.Int64Counter(
		"learnloop_sync_operations_rejected_total",
		metric.WithDescription("Number of push operations rejected"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsDetected, err := meter.Int64Counter(
		"learnloop_sync_conflicts_detected_total",
		metric.WithDescription("Number of version conflicts detected during push"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"learnloop_sync_conflicts_resolved_total",
		metric.WithDescription("Number of conflicts resolved, by strategy and mode"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	pushDuration, err := meter.Float64Histogram(
		"learnloop_sync_push_duration_seconds",
		metric.WithDescription("Duration of push batch processing in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		operationsAccepted: operationsAccepted,
		operationsRejected: operationsRejected,
		conflictsDetected:  conflictsDetected,
		conflictsResolved:  conflictsResolved,
		pushDuration:       pushDuration,
	}, nil
}

// RecordPush records the outcome counts and duration of one push call.
func (m *SyncMetrics) RecordPush(ctx context.Context, accepted, rejected, conflicts int, duration time.Duration) {
	if m == nil {
		return
	}

	m.operationsAccepted.Add(ctx, int64(accepted))
	m.operationsRejected.Add(ctx, int64(rejected))
	m.conflictsDetected.Add(ctx, int64(conflicts))
	m.pushDuration.Record(ctx, duration.Seconds())
}

// RecordConflictResolved records one resolved conflict.
func (m *SyncMetrics) RecordConflictResolved(ctx context.Context, strategy string, auto bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.Bool("auto", auto),
	}

	m.conflictsResolved.Add(ctx, 1, metric.WithAttributes(attrs...))
}
