package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	h      http.Handler
}

// newMiddlewareHarness wraps next in Middleware with in-memory exporters.
func newMiddlewareHarness(t *testing.T, next http.HandlerFunc) *middlewareHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return &middlewareHarness{reader: reader, spans: exp, h: Middleware(m)(next)}
}

func (mh *middlewareHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mh.h.ServeHTTP(rec, req)
	return rec
}

// durationPoints returns the attribute sets recorded on the latency histogram.
func (mh *middlewareHarness) durationPoints(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := mh.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "clinivox.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func attrValue(set attribute.Set, key string) string {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return v.AsString()
}

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	var seen string
	mh := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := mh.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if len(seen) != 32 {
		t.Fatalf("correlation id %q, want a 32 character trace id", seen)
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != seen {
		t.Errorf("%s = %q, want %q", HeaderCorrelationID, got, seen)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	mh := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	req := httptest.NewRequest(http.MethodPost, "/api/recording/start", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := mh.do(req)

	if seen != traceID {
		t.Errorf("correlation id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != traceID {
		t.Errorf("%s = %q, want %q", HeaderCorrelationID, got, traceID)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	mh := newMiddlewareHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := mh.do(httptest.NewRequest(http.MethodPost, "/api/recording/stop", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	spans := mh.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if want := "HTTP POST /api/recording/stop"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusConflict {
		t.Errorf("span status code attribute = %d, want %d", status, http.StatusConflict)
	}
}

func TestMiddleware_DurationLabels(t *testing.T) {
	mh := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/handoff" {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	mh.do(httptest.NewRequest(http.MethodGet, "/api/handoff", nil))
	mh.do(httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	got := map[string]string{}
	for _, dp := range mh.durationPoints(t) {
		if dp.Count != 1 {
			t.Errorf("path %q count = %d, want 1", attrValue(dp.Attributes, "path"), dp.Count)
		}
		got[attrValue(dp.Attributes, "path")] = attrValue(dp.Attributes, "status")
		if m := attrValue(dp.Attributes, "method"); m != http.MethodGet {
			t.Errorf("method = %q, want GET", m)
		}
	}
	want := map[string]string{"/api/handoff": "4xx", "other": "2xx"}
	if len(got) != len(want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	for path, status := range want {
		if got[path] != status {
			t.Errorf("path %q status class = %q, want %q", path, got[path], status)
		}
	}
}

func TestMiddleware_WriterUnwraps(t *testing.T) {
	var unwrapped bool
	mh := newMiddlewareHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		unwrapped = ok && u.Unwrap() != nil
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush: %v", err)
		}
	})

	rec := mh.do(httptest.NewRequest(http.MethodGet, "/api/ws", nil))

	if !unwrapped {
		t.Error("middleware writer does not expose Unwrap")
	}
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/api/handoff/audio": "/api/handoff/audio",
		"/healthz":           "/healthz",
		"/metrics":           "/metrics",
		"/":                  "other",
		"/favicon.ico":       "other",
	}
	for path, want := range tests {
		if got := Route(path); got != want {
			t.Errorf("Route(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	tests := map[int]string{
		101: "1xx",
		202: "2xx",
		409: "4xx",
		503: "5xx",
		0:   "unknown",
		700: "unknown",
	}
	for code, want := range tests {
		if got := StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
