// Package observe provides application-wide observability primitives for
// signbridge: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be scraped
// from the /metrics endpoint. A package-level default [Metrics] instance
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

// meterName is the instrumentation scope name used for all signbridge metrics.
const meterName = "github.com/MrWong99/signbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per external call ---

	// ClassifyDuration tracks sign recognition latency per frame.
	ClassifyDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech latency per finalized word.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Frames counts inbound frames. Use with attribute:
	//   attribute.String("outcome", "symbol"|"repeat"|"no_sign"|"dropped"|"malformed")
	Frames metric.Int64Counter

	// WordsFinalized counts words handed to synthesis.
	WordsFinalized metric.Int64Counter

	// AudioEvents counts audio payloads delivered to clients.
	AudioEvents metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attribute:
	//   attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// classifier round trips and speech synthesis.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClassifyDuration, err = m.Float64Histogram("signbridge.classify.duration",
		metric.WithDescription("Latency of sign recognition per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("signbridge.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis per finalized word."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Frames, err = m.Int64Counter("signbridge.frames",
		metric.WithDescription("Inbound frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.WordsFinalized, err = m.Int64Counter("signbridge.words.finalized",
		metric.WithDescription("Words handed to speech synthesis."),
	); err != nil {
		return nil, err
	}
	if met.AudioEvents, err = m.Int64Counter("signbridge.audio.events",
		metric.WithDescription("Synthesized audio payloads delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("signbridge.provider.requests",
		metric.WithDescription("Total provider API requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("signbridge.provider.errors",
		metric.WithDescription("Total provider errors by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("signbridge.active_sessions",
		metric.WithDescription("Number of connected relay sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("signbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordFrame increments the frame counter for outcome.
func (m *Metrics) RecordFrame(ctx context.Context, outcome string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderRequest records a provider call with its latency. A non-nil
// err also increments the error counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, kind string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	switch kind {
	case KindRecognizer:
		m.ClassifyDuration.Record(ctx, seconds)
	case KindTTS:
		m.SynthesisDuration.Record(ctx, seconds)
	}
}

// Provider kinds used as the "kind" attribute.
const (
	KindRecognizer = "recognizer"
	KindTTS        = "tts"
)
