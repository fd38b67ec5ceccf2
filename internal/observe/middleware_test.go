package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const remoteTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

type fixture struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
}

// newFixture swaps in recording providers and the W3C propagator for the
// duration of the test. Tests using it must not run in parallel.
func newFixture(t *testing.T) *fixture {
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

	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	return &fixture{metrics: m, reader: reader, spans: exp, logs: &bytes.Buffer{}}
}

func (f *fixture) serve(t *testing.T, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	log := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	rec := httptest.NewRecorder()
	Middleware(f.metrics, log)(h).ServeHTTP(rec, req)
	return rec
}

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRouteLabel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/healthz":      "/healthz",
		"/readyz":       "/readyz",
		"/metrics":      "/metrics",
		"/sessions":     "/sessions",
		"/sessions/abc": "/sessions",
		"/":             "static",
		"/app.js":       "static",
		"/assets/x.css": "static",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	f := newFixture(t)
	var seen string
	rec := f.serve(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if len(seen) != 32 {
		t.Fatalf("correlation id %q: want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("traceparent not injected into response")
	}
}

func TestMiddleware_JoinsRemoteTrace(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("traceparent", "00-"+remoteTraceID+"-00f067aa0ba902b7-01")

	var seen string
	rec := f.serve(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}, req)

	if seen != remoteTraceID {
		t.Errorf("trace id = %q, want %q", seen, remoteTraceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != remoteTraceID {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	f := newFixture(t)
	f.serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET static" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET static")
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("http.response.status_code = %d, want 404", status)
	}
}

func TestMiddleware_RecordsDurationPerRoute(t *testing.T) {
	f := newFixture(t)
	f.serve(t, ok, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	f.serve(t, ok, httptest.NewRequest(http.MethodGet, "/style.css", nil))
	f.serve(t, ok, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicerelay.http.request.duration")
	if met == nil {
		t.Fatal("voicerelay.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["static"] != 2 || counts["/sessions"] != 1 {
		t.Errorf("per-route counts = %v, want static:2 /sessions:1", counts)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	f := newFixture(t)
	f.serve(t, ok, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if f.logs.Len() != 0 {
		t.Errorf("health-check request logged at info: %s", f.logs)
	}

	f.serve(t, ok, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	line := f.logs.String()
	for _, want := range []string{"level=INFO", "path=/sessions", "status=200", "trace_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log %q missing %q", line, want)
		}
	}

	f.logs.Reset()
	f.serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if !strings.Contains(f.logs.String(), "level=WARN") {
		t.Errorf("5xx should log at warn: %s", f.logs)
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	newFixture(t)
	rec := httptest.NewRecorder()
	Middleware(nil, nil)(http.HandlerFunc(ok)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_FlushReachesWriter(t *testing.T) {
	f := newFixture(t)
	var flushErr error
	rec := f.serve(t, func(w http.ResponseWriter, _ *http.Request) {
		flushErr = http.NewResponseController(w).Flush()
	}, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if flushErr != nil {
		t.Errorf("Flush: %v", flushErr)
	}
	if !rec.Flushed {
		t.Error("recorder not flushed")
	}
}
