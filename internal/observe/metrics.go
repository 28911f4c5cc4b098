// Package observe provides application-wide observability primitives for
// sentinel: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sentinel metrics.
const meterName = "github.com/MrWong99/sentinel"

// Metrics holds all OpenTelemetry instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Detection ---

	// FramesProcessed counts frames run through a detection pipeline. Use with
	// attributes stream and layout.
	FramesProcessed metric.Int64Counter

	// DecodeErrors counts frames whose detector output could not be decoded.
	DecodeErrors metric.Int64Counter

	// PresenceConfirmations counts frames on which debounced presence was
	// confirmed.
	PresenceConfirmations metric.Int64Counter

	// PresenceConfidence records the decoded confidence of every frame.
	PresenceConfidence metric.Float64Histogram

	// --- Conversation ---

	// ConversationActions counts engine results by action (idle, ask,
	// complete, error).
	ConversationActions metric.Int64Counter

	// ConversationDuration tracks the latency of one engine call.
	ConversationDuration metric.Float64Histogram

	// StaleReplies counts replies dropped because they named a question other
	// than the pending one.
	StaleReplies metric.Int64Counter

	// StoreErrors counts session store failures by operation.
	StoreErrors metric.Int64Counter

	// ActiveConversations tracks conversations started by the monitor and not
	// yet complete.
	ActiveConversations metric.Int64UpDownCounter

	// --- Providers ---

	// LLMDuration tracks language-model latency.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes
	// provider, kind and status.
	ProviderRequests metric.Int64Counter

	// --- Transport ---

	// EventSubscribers tracks live event stream subscribers.
	EventSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes method, path and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// confidenceBuckets cover the [0, 1] confidence range with extra resolution
// around typical thresholds.
var confidenceBuckets = []float64{
	0.1, 0.25, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesProcessed, "sentinel.detect.frames", "Frames processed by stream and layout."},
		{&met.DecodeErrors, "sentinel.detect.decode_errors", "Frames whose detector output could not be decoded."},
		{&met.PresenceConfirmations, "sentinel.detect.confirmations", "Frames with confirmed debounced presence."},
		{&met.ConversationActions, "sentinel.conversation.actions", "Conversation engine results by action."},
		{&met.StaleReplies, "sentinel.conversation.stale_replies", "Replies dropped for naming a question that is not pending."},
		{&met.StoreErrors, "sentinel.store.errors", "Session store failures by operation."},
		{&met.ProviderRequests, "sentinel.provider.requests", "Provider API requests by provider, kind, and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.PresenceConfidence, err = m.Float64Histogram("sentinel.detect.confidence",
		metric.WithDescription("Decoded presence confidence per frame."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversationDuration, err = m.Float64Histogram("sentinel.conversation.duration",
		metric.WithDescription("Latency of one conversation engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("sentinel.llm.duration",
		metric.WithDescription("Latency of language-model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sentinel.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("sentinel.conversation.active",
		metric.WithDescription("Conversations started by the monitor and not yet complete."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("sentinel.events.subscribers",
		metric.WithDescription("Live event stream subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordFrame records one processed frame of stream.
func (m *Metrics) RecordFrame(ctx context.Context, stream, layout string, confidence float64, confirmed, decodeFailed bool) {
	attrs := metric.WithAttributes(attribute.String("stream", stream))
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("layout", layout),
	))
	m.PresenceConfidence.Record(ctx, confidence, attrs)
	if decodeFailed {
		m.DecodeErrors.Add(ctx, 1, attrs)
	}
	if confirmed {
		m.PresenceConfirmations.Add(ctx, 1, attrs)
	}
}

// RecordAction records one conversation engine result and its latency.
func (m *Metrics) RecordAction(ctx context.Context, action string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.ConversationActions.Add(ctx, 1, attrs)
	m.ConversationDuration.Record(ctx, seconds, attrs)
}

// RecordStoreError records a session store failure.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
