// Package observe provides application-wide observability primitives: an
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/voxscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks transcription latency.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks formatter LLM inference latency.
	LLMDuration metric.Float64Histogram

	// MediaDuration tracks media conversion/probing latency.
	MediaDuration metric.Float64Histogram

	// JobDuration tracks end-to-end job latency from receipt to delivery.
	JobDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// JobsProcessed counts completed jobs. Use with attribute:
	//   attribute.String("outcome", ...)
	JobsProcessed metric.Int64Counter

	// MinutesBilled counts minutes debited from user balances.
	MinutesBilled metric.Float64Counter

	// MinutesRefunded counts minutes credited back after a failed job.
	MinutesRefunded metric.Float64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the approximate number of in-flight jobs.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), wide
// enough to span a sub-second edit and a multi-minute diarization pass.
var latencyBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRDuration, err = m.Float64Histogram("voxscribe.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxscribe.llm.duration",
		metric.WithDescription("Latency of formatter LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MediaDuration, err = m.Float64Histogram("voxscribe.media.duration",
		metric.WithDescription("Latency of media conversion and duration probing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("voxscribe.job.duration",
		metric.WithDescription("End-to-end job latency from receipt to delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voxscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsProcessed, err = m.Int64Counter("voxscribe.jobs.processed",
		metric.WithDescription("Total jobs processed by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MinutesBilled, err = m.Float64Counter("voxscribe.minutes.billed",
		metric.WithDescription("Total minutes debited from user balances."),
	); err != nil {
		return nil, err
	}
	if met.MinutesRefunded, err = m.Float64Counter("voxscribe.minutes.refunded",
		metric.WithDescription("Total minutes credited back after a failed job."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("voxscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("voxscribe.queue.depth",
		metric.WithDescription("Approximate number of in-flight jobs."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxscribe.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordJobOutcome is a convenience method that records a completed job by
// its terminal outcome (e.g., "delivered", "failed", "duplicate").
func (m *Metrics) RecordJobOutcome(ctx context.Context, outcome string) {
	m.JobsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
