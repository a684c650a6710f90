package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Clinivox tracer.
const tracerName = "github.com/clinivox/clinivox"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx. The
// trace ID doubles as the request correlation identifier returned to HTTP
// clients. Returns the empty string when no active span exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, plus the journey id when one was attached
// with [WithJourney]. Without either, the default slog logger is returned.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := JourneyID(ctx); id != "" {
		l = l.With(slog.String("journey_id", id))
	}
	return l
}

type journeyKey struct{}

// WithJourney returns a copy of ctx carrying the recording journey id.
func WithJourney(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, journeyKey{}, id)
}

// JourneyID returns the journey id stored by [WithJourney], or "".
func JourneyID(ctx context.Context) string {
	id, _ := ctx.Value(journeyKey{}).(string)
	return id
}
