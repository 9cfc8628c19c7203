package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/podsync/types"
)

// Fetch results used as the "result" attribute
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultStale    = "stale"
	ResultError    = "error"
)

// SyncMetrics holds the synchronizer's OTEL instruments. A nil *SyncMetrics
// is valid and records nothing.
type SyncMetrics struct {
	// Counters
	EventsReceived  metric.Int64Counter
	EventsUnhandled metric.Int64Counter
	Fetches         metric.Int64Counter
	ScopeDrops      metric.Int64Counter
	Errors          metric.Int64Counter

	// Histograms
	FetchDuration    metric.Float64Histogram
	FullLoadDuration metric.Float64Histogram
}

// InitSyncMetrics creates every instrument on meter
func InitSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	m := &SyncMetrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *SyncMetrics) initCounters(meter metric.Meter) error {
	var err error

	m.EventsReceived, err = meter.Int64Counter(
		"podsync.events.received.total",
		metric.WithDescription("Total number of daemon events received"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	m.EventsUnhandled, err = meter.Int64Counter(
		"podsync.events.unhandled.total",
		metric.WithDescription("Total number of events with an unrecognized kind or status"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	m.Fetches, err = meter.Int64Counter(
		"podsync.fetches.total",
		metric.WithDescription("Total number of corrective fetches by result"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	m.ScopeDrops, err = meter.Int64Counter(
		"podsync.scope.drops.total",
		metric.WithDescription("Total number of times a scope was discarded"),
		metric.WithUnit("{drop}"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = meter.Int64Counter(
		"podsync.errors.total",
		metric.WithDescription("Total number of reported errors"),
		metric.WithUnit("{error}"),
	)
	return err
}

func (m *SyncMetrics) initHistograms(meter metric.Meter) error {
	var err error

	m.FetchDuration, err = meter.Float64Histogram(
		"podsync.fetch.duration.seconds",
		metric.WithDescription("Duration of corrective fetches"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	m.FullLoadDuration, err = meter.Float64Histogram(
		"podsync.full_load.duration.seconds",
		metric.WithDescription("Duration of full scope loads"),
		metric.WithUnit("s"),
	)
	return err
}

// RecordEvent counts a received event
func (m *SyncMetrics) RecordEvent(ctx context.Context, ev types.Event) {
	if m == nil {
		return
	}
	m.EventsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", ev.Scope.String()),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("status", string(ev.Status)),
	))
}

// RecordUnhandled counts an event no classification rule matched
func (m *SyncMetrics) RecordUnhandled(ctx context.Context, ev types.Event) {
	if m == nil {
		return
	}
	m.EventsUnhandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", ev.Scope.String()),
		attribute.String("kind", string(ev.Kind)),
	))
}

// RecordFetch counts a completed fetch and records its duration
func (m *SyncMetrics) RecordFetch(ctx context.Context, scope types.Scope, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("scope", scope.String()),
		attribute.String("op", op),
		attribute.String("result", result),
	)
	m.Fetches.Add(ctx, 1, attrs)
	m.FetchDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFullLoad records the duration of a full scope load
func (m *SyncMetrics) RecordFullLoad(ctx context.Context, scope types.Scope, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FullLoadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope.String()),
		attribute.String("result", result),
	))
}

// RecordScopeDrop counts a discarded scope
func (m *SyncMetrics) RecordScopeDrop(ctx context.Context, scope types.Scope, graceful bool) {
	if m == nil {
		return
	}
	m.ScopeDrops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope.String()),
		attribute.Bool("graceful", graceful),
	))
}

// RecordError counts a reported error
func (m *SyncMetrics) RecordError(ctx context.Context, scope types.Scope) {
	if m == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope.String())))
}
