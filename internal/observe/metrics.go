// Package observe provides application-wide observability primitives for
// chatdispatch: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chatdispatch metrics.
const meterName = "github.com/MrWong99/chatdispatch"

// Request outcomes used as the "status" attribute of provider requests.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StreamDuration tracks the time from request to the end of a provider
	// stream. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...)
	StreamDuration metric.Float64Histogram

	// TimeToFirstToken tracks the time from request to the first delta event.
	TimeToFirstToken metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts streaming provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// EndpointSelections counts weighted draws. Use with attributes:
	//   attribute.String("model", ...), attribute.String("provider", ...)
	EndpointSelections metric.Int64Counter

	// StreamedDeltas counts delta events handed to consumers. Use with attribute:
	//   attribute.String("provider", ...)
	StreamedDeltas metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts errors by provider and kind (configuration,
	// initialization, selection, request).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of provider streams not yet finished.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streamed chat completions, which run from sub-second to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StreamDuration, err = m.Float64Histogram("chatdispatch.provider.stream.duration",
		metric.WithDescription("Duration of provider streams from request to last event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("chatdispatch.provider.first_token",
		metric.WithDescription("Latency until the first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("chatdispatch.provider.requests",
		metric.WithDescription("Total provider streaming requests by provider, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.EndpointSelections, err = m.Int64Counter("chatdispatch.endpoint.selections",
		metric.WithDescription("Total weighted endpoint selections by model and provider."),
	); err != nil {
		return nil, err
	}
	if met.StreamedDeltas, err = m.Int64Counter("chatdispatch.provider.deltas",
		metric.WithDescription("Total delta events streamed by provider."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("chatdispatch.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("chatdispatch.active_streams",
		metric.WithDescription("Number of provider streams in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatdispatch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordSelection records one weighted endpoint selection.
func (m *Metrics) RecordSelection(ctx context.Context, model, provider string) {
	m.EndpointSelections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("provider", provider),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
