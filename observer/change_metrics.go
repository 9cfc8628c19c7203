package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/podsync/storage"
)

// ChangeMetrics counts inventory mutations as OTEL metrics. It is a
// storage.Recorder and sees every observation the store produces.
type ChangeMetrics struct {
	observed     metric.Int64Counter
	removed      metric.Int64Counter
	dropped      metric.Int64Counter
	mutationsTot metric.Int64Counter
}

var _ storage.Recorder = (*ChangeMetrics)(nil)

// NewChangeMetrics creates the mutation counters on meter
func NewChangeMetrics(meter metric.Meter) (*ChangeMetrics, error) {
	observed, err := meter.Int64Counter(
		"podsync.inventory.observed.total",
		metric.WithDescription("Entities inserted or replaced in the inventory"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	removed, err := meter.Int64Counter(
		"podsync.inventory.removed.total",
		metric.WithDescription("Entities removed from the inventory"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	dropped, err := meter.Int64Counter(
		"podsync.inventory.scope_dropped.total",
		metric.WithDescription("Scopes discarded from the inventory"),
		metric.WithUnit("{scope}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	total, err := meter.Int64Counter(
		"podsync.inventory.mutations.total",
		metric.WithDescription("Visible inventory mutation batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &ChangeMetrics{
		observed:     observed,
		removed:      removed,
		dropped:      dropped,
		mutationsTot: total,
	}, nil
}

// Record implements storage.Recorder
func (m *ChangeMetrics) Record(obs []storage.Observation) {
	ctx := context.Background()
	for _, o := range obs {
		m.recordSingle(ctx, o)
	}
	m.mutationsTot.Add(ctx, 1)
}

func (m *ChangeMetrics) recordSingle(ctx context.Context, o storage.Observation) {
	attrs := metric.WithAttributes(
		attribute.String("scope", o.Key.Scope.String()),
		attribute.String("kind", kindOf(o)),
	)

	switch o.Op {
	case storage.OpObserved:
		m.observed.Add(ctx, 1, attrs)
	case storage.OpRemoved:
		m.removed.Add(ctx, 1, attrs)
	case storage.OpDropped:
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", o.Key.Scope.String())))
	}
}

// kindOf labels an observation; scope drops carry no kind
func kindOf(o storage.Observation) string {
	if o.Kind == "" {
		return "unknown"
	}
	return string(o.Kind)
}
