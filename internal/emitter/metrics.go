package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/types"
)

// MetricsEmitter exposes the latest view as OTEL observable gauges and counts
// changes between views. Scraped through the Prometheus exporter.
type MetricsEmitter struct {
	meter  metric.Meter
	logger zerolog.Logger

	containers   metric.Int64ObservableGauge
	images       metric.Int64ObservableGauge
	scopeLoaded  metric.Int64ObservableGauge
	scopeState   metric.Int64ObservableGauge
	containerCPU metric.Float64ObservableGauge
	containerMem metric.Int64ObservableGauge
	changesTotal metric.Int64Counter
	registration metric.Registration

	// state for the observable gauges
	mu   sync.RWMutex
	view *observer.View

	diffTracker *DiffTracker
}

var _ Emitter = (*MetricsEmitter)(nil)

// NewMetricsEmitter creates the instruments on meter.
func NewMetricsEmitter(meter metric.Meter, logger zerolog.Logger) (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		meter:       meter,
		logger:      logger.With().Str("component", "emitter").Logger(),
		diffTracker: NewDiffTracker(),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *MetricsEmitter) initMetrics() error {
	var err error

	e.containers, err = e.meter.Int64ObservableGauge(
		"podsync.containers",
		metric.WithDescription("Containers in the inventory by scope and state"),
		metric.WithUnit("{container}"),
	)
	if err != nil {
		return fmt.Errorf("create containers gauge: %w", err)
	}

	e.images, err = e.meter.Int64ObservableGauge(
		"podsync.images",
		metric.WithDescription("Images in the inventory by scope"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return fmt.Errorf("create images gauge: %w", err)
	}

	e.scopeLoaded, err = e.meter.Int64ObservableGauge(
		"podsync.scope.loaded",
		metric.WithDescription("1 when the scope completed its full load"),
	)
	if err != nil {
		return fmt.Errorf("create scope_loaded gauge: %w", err)
	}

	e.scopeState, err = e.meter.Int64ObservableGauge(
		"podsync.scope.state",
		metric.WithDescription("1 for the current connection state of each scope"),
	)
	if err != nil {
		return fmt.Errorf("create scope_state gauge: %w", err)
	}

	e.containerCPU, err = e.meter.Float64ObservableGauge(
		"podsync.container.cpu.percent",
		metric.WithDescription("Sampled CPU usage of running containers"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("create container_cpu gauge: %w", err)
	}

	e.containerMem, err = e.meter.Int64ObservableGauge(
		"podsync.container.memory.bytes",
		metric.WithDescription("Sampled memory usage of running containers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("create container_memory gauge: %w", err)
	}

	e.changesTotal, err = e.meter.Int64Counter(
		"podsync.inventory.changes.total",
		metric.WithDescription("Inventory changes detected between published views"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return fmt.Errorf("create changes counter: %w", err)
	}

	e.registration, err = e.meter.RegisterCallback(e.observe,
		e.containers, e.images, e.scopeLoaded, e.scopeState, e.containerCPU, e.containerMem)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// Emit records the view for the gauges and counts its changes.
func (e *MetricsEmitter) Emit(ctx context.Context, v observer.View) error {
	e.emitDiffs(ctx, v)

	e.mu.Lock()
	e.view = &v
	e.mu.Unlock()

	return nil
}

// emitDiffs computes diffs and emits metrics/logs for changes.
func (e *MetricsEmitter) emitDiffs(ctx context.Context, v observer.View) {
	diffs := e.diffTracker.Observe(v.Snapshot)
	if diffs == nil {
		// first view is the baseline
		return
	}

	for _, diff := range diffs {
		e.changesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", diff.Key.Scope.String()),
			attribute.String("kind", string(diff.Kind)),
			attribute.String("change_type", string(diff.Type)),
		))

		logEvent := e.logger.Info().
			Str("scope", diff.Key.Scope.String()).
			Str("id", diff.Key.ShortID()).
			Str("kind", string(diff.Kind)).
			Str("name", diff.Name).
			Str("change", string(diff.Type))

		if diff.Type == DiffModified {
			for field, change := range diff.Changes {
				logEvent = logEvent.
					Str(field+".from", change.Previous).
					Str(field+".to", change.Current)
			}
		}

		logEvent.Msg("inventory changed")
	}
}

// observe is the callback for every observable gauge.
func (e *MetricsEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.view == nil {
		return nil
	}
	v := e.view

	type bucket struct {
		scope types.Scope
		state string
	}
	containers := make(map[bucket]int64)
	images := make(map[types.Scope]int64)
	for key, c := range v.Containers {
		containers[bucket{key.Scope, c.State}]++
	}
	for key := range v.Images {
		images[key.Scope]++
	}

	for b, n := range containers {
		o.ObserveInt64(e.containers, n, metric.WithAttributes(
			attribute.String("scope", b.scope.String()),
			attribute.String("state", b.state),
		))
	}

	for _, scope := range types.Scopes() {
		scopeAttr := attribute.String("scope", scope.String())
		o.ObserveInt64(e.images, images[scope], metric.WithAttributes(scopeAttr))

		var loaded int64
		if v.Loaded[scope] {
			loaded = 1
		}
		o.ObserveInt64(e.scopeLoaded, loaded, metric.WithAttributes(scopeAttr))
		o.ObserveInt64(e.scopeState, 1, metric.WithAttributes(
			scopeAttr,
			attribute.String("state", v.State(scope).String()),
		))
	}

	for key, st := range v.Stats {
		if st.Unavailable {
			continue
		}
		attrs := metric.WithAttributes(
			attribute.String("scope", key.Scope.String()),
			attribute.String("id", key.ShortID()),
			attribute.String("name", v.Containers[key].Name()),
		)
		o.ObserveFloat64(e.containerCPU, st.CPUPercent, attrs)
		o.ObserveInt64(e.containerMem, int64(st.MemUsage), attrs)
	}

	return nil
}

// Close unregisters the gauge callback.
func (e *MetricsEmitter) Close() error {
	if e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
