// Package observe provides application-wide observability primitives for
// Clinivox: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format via [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Clinivox metrics.
const meterName = "github.com/clinivox/clinivox"

// Journey outcomes recorded on [Metrics.JourneysCompleted].
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Journey lifecycle ---

	// JourneysStarted counts recordings that reached the Recording phase.
	JourneysStarted metric.Int64Counter

	// JourneysCompleted counts journeys leaving the pipeline. Use with
	// attribute.String("outcome", ...).
	JourneysCompleted metric.Int64Counter

	// PhaseTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	PhaseTransitions metric.Int64Counter

	// RecordingDuration tracks recording length as shown to the user.
	RecordingDuration metric.Float64Histogram

	// --- Analysis ---

	// AnalysisDuration tracks the time from submit to resolution.
	AnalysisDuration metric.Float64Histogram

	// AnalysisRequests counts outbound analysis calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	AnalysisRequests metric.Int64Counter

	// UploadBytes counts audio payload bytes submitted for analysis.
	UploadBytes metric.Int64Counter

	// FallbackSubstitutions counts journeys resolved with the fallback
	// dataset. Use with attribute.String("mode", ...).
	FallbackSubstitutions metric.Int64Counter

	// CatalogRefreshes counts model catalog fetches. Use with
	// attribute.String("status", ...).
	CatalogRefreshes metric.Int64Counter

	// --- Errors ---

	// DeviceErrors counts failed attempts to open the input device.
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings is 1 while the microphone is held, 0 otherwise.
	ActiveRecordings metric.Int64UpDownCounter

	// DashboardClients tracks connected live-status websocket clients.
	DashboardClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks dashboard request latency, labelled by
	// method, route and status class.
	HTTPRequestDuration metric.Float64Histogram
}

// analysisBuckets covers the range from a fast local server up to the
// 300 s request deadline.
var analysisBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// recordingBuckets covers typical consultation lengths in seconds.
var recordingBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JourneysStarted, err = m.Int64Counter("clinivox.journeys.started",
		metric.WithDescription("Recordings started."),
	); err != nil {
		return nil, err
	}
	if met.JourneysCompleted, err = m.Int64Counter("clinivox.journeys.completed",
		metric.WithDescription("Journeys finished, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("clinivox.phase.transitions",
		metric.WithDescription("Pipeline phase transitions by source and target phase."),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("clinivox.recording.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AnalysisDuration, err = m.Float64Histogram("clinivox.analysis.duration",
		metric.WithDescription("Time from submitting a recording to its resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisRequests, err = m.Int64Counter("clinivox.analysis.requests",
		metric.WithDescription("Outbound analysis requests by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.UploadBytes, err = m.Int64Counter("clinivox.upload.bytes",
		metric.WithDescription("Audio bytes submitted for analysis."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FallbackSubstitutions, err = m.Int64Counter("clinivox.fallback.substitutions",
		metric.WithDescription("Journeys resolved with the fallback dataset, by mode."),
	); err != nil {
		return nil, err
	}
	if met.CatalogRefreshes, err = m.Int64Counter("clinivox.catalog.refreshes",
		metric.WithDescription("Model catalog fetches by status."),
	); err != nil {
		return nil, err
	}

	if met.DeviceErrors, err = m.Int64Counter("clinivox.device.errors",
		metric.WithDescription("Failed attempts to open the input device."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRecordings, err = m.Int64UpDownCounter("clinivox.active_recordings",
		metric.WithDescription("Recordings currently holding the input device."),
	); err != nil {
		return nil, err
	}
	if met.DashboardClients, err = m.Int64UpDownCounter("clinivox.dashboard.clients",
		metric.WithDescription("Connected live-status clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("clinivox.http.request.duration",
		metric.WithDescription("Dashboard request latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records one phase transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.PhaseTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordJourneyCompleted records a finished journey with its outcome.
func (m *Metrics) RecordJourneyCompleted(ctx context.Context, outcome string) {
	m.JourneysCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAnalysisRequest records one outbound analysis request.
func (m *Metrics) RecordAnalysisRequest(ctx context.Context, endpoint, status string) {
	m.AnalysisRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordFallback records a fallback substitution under the given mode.
func (m *Metrics) RecordFallback(ctx context.Context, mode string) {
	m.FallbackSubstitutions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}
