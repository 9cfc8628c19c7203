package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Probe triggers, used as the "trigger" attribute.
const (
	TriggerStartup  = "startup"
	TriggerSocket   = "socket"
	TriggerOperator = "operator"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	probes            metric.Int64Counter
	probeDuration     metric.Float64Histogram
	httpRequests      metric.Int64Counter
	storageOperations metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics following OTEL semantic conventions
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	probes, err := meter.Int64Counter(
		"podsync.daemon.probes",
		metric.WithDescription("Number of scope probes requested outside startup"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}

	probeDuration, err := meter.Float64Histogram(
		"podsync.daemon.probe.duration",
		metric.WithDescription("Duration of externally triggered probes, full load included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	httpRequests, err := meter.Int64Counter(
		"podsync.daemon.http.requests",
		metric.WithDescription("Number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"podsync.storage.operations",
		metric.WithDescription("Number of journal and history maintenance operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		probes:            probes,
		probeDuration:     probeDuration,
		httpRequests:      httpRequests,
		storageOperations: storageOperations,
	}, nil
}

// RecordProbe records a probe with its trigger and outcome
func (m *DaemonMetrics) RecordProbe(ctx context.Context, scope, trigger, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	)
	m.probes.Add(ctx, 1, attrs)
	m.probeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordHTTPRequest records a served request
func (m *DaemonMetrics) RecordHTTPRequest(ctx context.Context, route string, code int) {
	m.httpRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", code),
		),
	)
}

// RecordStorageOperation records a storage operation
func (m *DaemonMetrics) RecordStorageOperation(ctx context.Context, operation string, status string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
