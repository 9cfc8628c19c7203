package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*DaemonMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewDaemonMetrics(provider.Meter("podsync.daemon"))
	require.NoError(t, err)
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestDaemonMetrics_RecordProbe(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProbe(ctx, "user", TriggerSocket, "success", 120*time.Millisecond)
	m.RecordProbe(ctx, "user", TriggerSocket, "success", 80*time.Millisecond)
	m.RecordProbe(ctx, "system", TriggerOperator, "failure", time.Millisecond)

	metrics := collectMetrics(t, reader)

	probes, ok := metrics["podsync.daemon.probes"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, probes.DataPoints, 2)
	for _, dp := range probes.DataPoints {
		trigger, _ := dp.Attributes.Value(attribute.Key("trigger"))
		switch trigger.AsString() {
		case TriggerSocket:
			assert.Equal(t, int64(2), dp.Value)
		case TriggerOperator:
			status, _ := dp.Attributes.Value(attribute.Key("status"))
			assert.Equal(t, "failure", status.AsString())
		default:
			t.Errorf("unexpected trigger %q", trigger.AsString())
		}
	}

	duration, ok := metrics["podsync.daemon.probe.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range duration.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestDaemonMetrics_RecordHTTPRequest(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordHTTPRequest(context.Background(), "GET /inventory", 200)

	metrics := collectMetrics(t, reader)
	sum, ok := metrics["podsync.daemon.http.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)

	route, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("http.route"))
	code, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("http.response.status_code"))
	assert.Equal(t, "GET /inventory", route.AsString())
	assert.Equal(t, int64(200), code.AsInt64())
}

func TestDaemonMetrics_RecordStorageOperation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStorageOperation(ctx, "journal_cleanup", "success", "")
	m.RecordStorageOperation(ctx, "history_compact", "error", "db")

	metrics := collectMetrics(t, reader)
	sum, ok := metrics["podsync.storage.operations"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	for _, dp := range sum.DataPoints {
		op, _ := dp.Attributes.Value(attribute.Key("operation"))
		_, hasErrType := dp.Attributes.Value(attribute.Key("error.type"))
		assert.Equal(t, op.AsString() == "history_compact", hasErrType)
	}
}
