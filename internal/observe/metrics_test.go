package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the counter data point carrying attr, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, "cam-1", "parsed", 0.9, false, false)
	m.RecordFrame(ctx, "cam-1", "parsed", 0.95, true, false)
	m.RecordFrame(ctx, "cam-1", "tensor", 0, false, true)
	m.RecordFrame(ctx, "cam-2", "parsed", 0.1, false, false)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "sentinel.detect.confirmations", Attr("stream", "cam-1")); got != 1 {
		t.Errorf("confirmations(cam-1) = %d, want 1", got)
	}
	if got := sumFor(t, rm, "sentinel.detect.decode_errors", Attr("stream", "cam-1")); got != 1 {
		t.Errorf("decode_errors(cam-1) = %d, want 1", got)
	}
	if got := sumFor(t, rm, "sentinel.detect.frames", Attr("stream", "cam-2")); got != 1 {
		t.Errorf("frames(cam-2) = %d, want 1", got)
	}

	met := findMetric(rm, "sentinel.detect.confidence")
	if met == nil {
		t.Fatal("confidence histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("confidence is %T, want Histogram[float64]", met.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 4 {
		t.Errorf("confidence samples = %d, want 4", total)
	}
}

func TestRecordAction(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAction(ctx, "ask", 0.01)
	m.RecordAction(ctx, "ask", 0.02)
	m.RecordAction(ctx, "complete", 0.2)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "sentinel.conversation.actions", Attr("action", "ask")); got != 2 {
		t.Errorf("actions(ask) = %d, want 2", got)
	}
	if got := sumFor(t, rm, "sentinel.conversation.actions", Attr("action", "complete")); got != 1 {
		t.Errorf("actions(complete) = %d, want 1", got)
	}
	if findMetric(rm, "sentinel.conversation.duration") == nil {
		t.Error("duration histogram not found")
	}
}

func TestRecordStoreError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordStoreError(context.Background(), "update_state")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "sentinel.store.errors", Attr("op", "update_state")); got != 1 {
		t.Errorf("store errors = %d, want 1", got)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "sentinel.provider.requests", Attr("status", "ok")); got != 2 {
		t.Errorf("requests(ok) = %d, want 2", got)
	}
	if got := sumFor(t, rm, "sentinel.provider.requests", Attr("status", "error")); got != 1 {
		t.Errorf("requests(error) = %d, want 1", got)
	}
}

func TestUpDownCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConversations.Add(ctx, 3)
	m.ActiveConversations.Add(ctx, -1)
	m.EventSubscribers.Add(ctx, 2)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"sentinel.conversation.active", 2},
		{"sentinel.events.subscribers", 2},
	}
	for _, tt := range tests {
		met := findMetric(rm, tt.name)
		if met == nil {
			t.Errorf("metric %q not found", tt.name)
			continue
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Errorf("metric %q has no int64 sum data", tt.name)
			continue
		}
		if got := sum.DataPoints[0].Value; got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
