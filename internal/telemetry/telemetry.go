// Package telemetry threads a zerolog.Logger through context.Context and
// exposes the orchestrator's Prometheus metrics, so every log line can
// carry session, phase, iteration, and agent fields.
package telemetry

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// NewLogger builds the root logger. level is a zerolog level string
// ("debug", "info", "warn", "error"); unknown values fall back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// WithLogger attaches logger to ctx so call sites down the stack can pull
// it back out via FromContext without threading it through every signature.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a disabled logger if
// none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// Metrics holds the Prometheus collectors exercised by the orchestrator,
// agent executor, and clip generator.
type Metrics struct {
	PhaseDuration *prometheus.HistogramVec
	AgentRuns     *prometheus.CounterVec
	ClipAttempts  *prometheus.CounterVec
	FeedbackScore *prometheus.HistogramVec
}

// NewMetrics registers the collectors against reg. Passing
// prometheus.NewRegistry() keeps tests hermetic; cmd/orchestrator registers
// against prometheus.DefaultRegisterer for the debug /metrics listener.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mvorchestra",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of a single phase execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"phase"}),
		AgentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mvorchestra",
			Name:      "agent_runs_total",
			Help:      "Count of agent subprocess runs by director type and outcome.",
		}, []string{"director", "outcome"}),
		ClipAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mvorchestra",
			Name:      "clip_attempts_total",
			Help:      "Count of clip generation attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		FeedbackScore: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mvorchestra",
			Name:      "feedback_loop_score",
			Help:      "Evaluator score observed at the end of a feedback loop.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}, []string{"phase"}),
	}
}
