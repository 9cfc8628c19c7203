package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/yairfalse/podsync"

// Global telemetry handles. They delegate to whatever providers are
// installed with otel.SetTracerProvider / otel.SetMeterProvider, so they are
// safe to use before internal/telemetry sets up exporters.
var (
	Tracer trace.Tracer = otel.Tracer(instrumentationName)
	Meter  metric.Meter = otel.Meter(instrumentationName)
)

// UseProviders rebinds the global handles to explicit providers. Tests use
// it with in-memory providers; the daemon uses it after exporter setup.
func UseProviders(tp trace.TracerProvider, mp metric.MeterProvider) {
	if tp != nil {
		Tracer = tp.Tracer(instrumentationName)
	}
	if mp != nil {
		Meter = mp.Meter(instrumentationName)
	}
}
