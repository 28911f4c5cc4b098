package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newMiddlewareFixture serves the API-like routes below through the
// middleware. It swaps the global tracer, so callers must not be parallel.
func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
	})
	mux.HandleFunc("POST /v1/conversation", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return &middlewareFixture{handler: Middleware(m)(mux), reader: reader, spans: exp}
}

func (f *middlewareFixture) serve(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *middlewareFixture) durations(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "sentinel.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	return met.Data.(metricdata.Histogram[float64]).DataPoints
}

func attr(dp metricdata.HistogramDataPoint[float64], key string) string {
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "generated", want: ""},
		{name: "from traceparent", header: http.Header{"Traceparent": {"00-" + incoming + "-00f067aa0ba902b7-01"}}, want: incoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMiddlewareFixture(t)
			rec := f.serve("GET", "/v1/sessions/cam-1", tt.header)

			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want a trace id", cid)
			}
			if tt.want != "" && cid != tt.want {
				t.Errorf("X-Correlation-ID = %q, want %q", cid, tt.want)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
				t.Errorf("handler saw correlation id %q, response carries %q", seen, cid)
			}
		})
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	f := newMiddlewareFixture(t)
	for _, id := range []string{"a", "b", "missing"} {
		f.serve("GET", "/v1/sessions/"+id, nil)
	}
	f.serve("POST", "/v1/conversation", nil)

	byStatus := map[string]metricdata.HistogramDataPoint[float64]{}
	for _, dp := range f.durations(t) {
		byStatus[attr(dp, "method")+" "+attr(dp, "path")+" "+attr(dp, "status")] = dp
	}
	want := map[string]uint64{
		"GET /v1/sessions/{id} 200":  2,
		"GET /v1/sessions/{id} 404":  1,
		"POST /v1/conversation 503": 1,
	}
	if len(byStatus) != len(want) {
		t.Errorf("series = %v", byStatus)
	}
	for key, count := range want {
		if dp, ok := byStatus[key]; !ok || dp.Count != count {
			t.Errorf("series %q count = %d, want %d", key, dp.Count, count)
		}
	}

	spans := f.spans.GetSpans()
	if len(spans) != 4 || spans[0].Name != "HTTP GET /v1/sessions/{id}" {
		t.Fatalf("spans = %d, first %q", len(spans), spans[0].Name)
	}
	var status int64
	for _, a := range spans[2].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	t.Parallel()
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, statusCode: http.StatusOK}
	if rec.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped writer")
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack on a non-hijacker should fail")
	}
}
