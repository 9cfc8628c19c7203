package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/podsync/types"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// LogOptions selects the output of NewLoggerWithOptions
type LogOptions struct {
	Level  string // zerolog level name, "info" when empty
	Format string // "json" or "console"
	Out    io.Writer
}

// NewLogger creates a JSON logger on stdout with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerWithOptions(service, LogOptions{})
}

// NewLoggerWithOptions creates a logger with OTEL hooks writing to opts.Out
func NewLoggerWithOptions(service string, opts LogOptions) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Component returns a child logger tagged with component
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Logger.With().Str("component", name).Logger()
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	logger := l.WithContext(ctx)

	event := logger.Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for synchronizer operations

func (l *Logger) LogScopeState(ctx context.Context, scope types.Scope, from, to string) {
	l.WithContext(ctx).Info().
		Str("scope", scope.String()).
		Str("from", from).
		Str("to", to).
		Msg("scope state changed")
}

func (l *Logger) LogFullLoad(ctx context.Context, scope types.Scope, containers, images int, duration float64) {
	l.WithContext(ctx).Info().
		Str("scope", scope.String()).
		Int("containers", containers).
		Int("images", images).
		Float64("duration_ms", duration).
		Msg("inventory loaded")
}

func (l *Logger) LogScopeDropped(ctx context.Context, scope types.Scope, err error) {
	event := l.WithContext(ctx).Warn().Str("scope", scope.String())
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("scope dropped")
}
