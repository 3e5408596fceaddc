// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered at package init so any code path can bump them
// without an explicit setup call.
var (
	// Counters
	PollCycles           = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_poll_cycles_total", Help: "Number of completed poll cycles"})
	PollErrors           = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_poll_errors_total", Help: "Number of poll cycles that degraded with an error"})
	TokenRefreshes       = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_token_refreshes_total", Help: "Number of successful access token refreshes"})
	TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_token_refresh_failures_total", Help: "Number of failed access token refreshes"})
	RecordingsStarted    = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_recordings_started_total", Help: "Number of recording processes started"})
	RecordingsStopped    = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_recordings_stopped_total", Help: "Number of recordings that ended cleanly"})
	RecordingsFailed     = promauto.NewCounter(prometheus.CounterOpts{Name: "replive_recordings_failed_total", Help: "Number of recordings that failed to start or crashed"})

	// Gauges
	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{Name: "replive_active_recordings", Help: "Current number of running recording processes"})

	// Histograms (seconds)
	PollDuration prometheus.Observer = promauto.NewHistogram(prometheus.HistogramOpts{Name: "replive_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
)

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
