package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/podsync/types"
)

// Reporter logs and counts conditions the synchronizer cannot act on.
type Reporter struct {
	logger  zerolog.Logger
	metrics *SyncMetrics
}

// NewReporter creates a reporter. metrics may be nil.
func NewReporter(logger zerolog.Logger, metrics *SyncMetrics) *Reporter {
	return &Reporter{logger: logger, metrics: metrics}
}

// ReportUnhandled records an event no classification rule covers
func (r *Reporter) ReportUnhandled(ev types.Event) {
	r.metrics.RecordUnhandled(context.Background(), ev)
	r.logger.Warn().
		Str("scope", ev.Scope.String()).
		Str("kind", string(ev.Kind)).
		Str("status", string(ev.Status)).
		Str("id", ev.ID).
		Msg("unhandled event")
}

// ReportError records a failure that left prior state untouched
func (r *Reporter) ReportError(scope types.Scope, err error) {
	r.metrics.RecordError(context.Background(), scope)
	r.logger.Error().
		Err(err).
		Str("scope", scope.String()).
		Msg("synchronizer error")
}
