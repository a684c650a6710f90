package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing how this instance records and where it
// sends recordings.
const (
	AttrAnalysisEndpoint = attribute.Key("clinivox.analysis.endpoint")
	AttrRecordingDevice  = attribute.Key("clinivox.recording.device")
	AttrFallbackMode     = attribute.Key("clinivox.analysis.fallback_mode")
)

// ProviderConfig describes this Clinivox instance to the telemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "clinivox".
	ServiceName    string
	ServiceVersion string

	// AnalysisEndpoint, RecordingDevice and FallbackMode are stamped on every
	// metric and span so that dashboards can tell instances apart. Empty
	// values are omitted.
	AnalysisEndpoint string
	RecordingDevice  string
	FallbackMode     string

	// TraceSampleRatio is the share of new traces recorded. Zero or one
	// records everything; incoming sampled decisions are always honoured.
	TraceSampleRatio float64

	// TraceExporter receives finished spans. Nil keeps spans in process only
	// (they still provide correlation ids).
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collectors. Nil selects the default
	// registerer, which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// Resource builds the OTel resource for cfg.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "clinivox"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for _, kv := range []attribute.KeyValue{
		AttrAnalysisEndpoint.String(cfg.AnalysisEndpoint),
		AttrRecordingDevice.String(cfg.RecordingDevice),
		AttrFallbackMode.String(cfg.FallbackMode),
	} {
		if kv.Value.AsString() != "" {
			attrs = append(attrs, kv)
		}
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// sampler maps TraceSampleRatio to a parent-based sampler.
func (cfg ProviderConfig) sampler() sdktrace.Sampler {
	if cfg.TraceSampleRatio <= 0 || cfg.TraceSampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))
}

// InitProvider installs global meter and tracer providers for cfg. Metrics
// go through the Prometheus exporter so the dashboard's /metrics endpoint
// serves them. The returned function flushes and stops both providers.
func InitProvider(_ context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("observe: trace sample ratio %v outside [0, 1]", cfg.TraceSampleRatio)
	}
	res, err := Resource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Spans first: a flushed span may still record metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
