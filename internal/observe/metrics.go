// Package observe provides application-wide observability primitives for
// Switchboard: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Switchboard metrics.
const meterName = "github.com/switchboard-voice/switchboard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// CallDuration tracks the wall-clock duration of relayed calls.
	CallDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge-retrieval request latency.
	RetrievalDuration metric.Float64Histogram

	// SummaryDuration tracks post-call summarisation latency.
	SummaryDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts relayed audio frames. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	AudioFrames metric.Int64Counter

	// Interruptions counts caller barge-ins that truncated an assistant
	// response.
	Interruptions metric.Int64Counter

	// MalformedFrames counts dropped undecodable frames. Use with attribute:
	//   attribute.String("source", "telephony"|"model")
	MalformedFrames metric.Int64Counter

	// ClockAnomalies counts interruptions where the playback clock produced
	// a negative elapsed time and was clamped to zero.
	ClockAnomalies metric.Int64Counter

	// ModelErrors counts non-fatal error events reported by the model side.
	ModelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of currently relayed calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole phone calls.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("switchboard.call.duration",
		metric.WithDescription("Wall-clock duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("switchboard.retrieval.duration",
		metric.WithDescription("Latency of knowledge-retrieval requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("switchboard.summary.duration",
		metric.WithDescription("Latency of post-call summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("switchboard.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("switchboard.audio.frames",
		metric.WithDescription("Total relayed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("switchboard.interruptions",
		metric.WithDescription("Total caller barge-ins that truncated an assistant response."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("switchboard.malformed_frames",
		metric.WithDescription("Total undecodable frames dropped by source."),
	); err != nil {
		return nil, err
	}
	if met.ClockAnomalies, err = m.Int64Counter("switchboard.clock_anomalies",
		metric.WithDescription("Total interruptions where elapsed playback time was negative and clamped."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("switchboard.model.errors",
		metric.WithDescription("Total non-fatal error events reported by the model side."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("switchboard.active_calls",
		metric.WithDescription("Number of currently relayed calls."),
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

// RecordAudioFrame records one relayed audio frame for the given direction
// ("inbound" for caller-to-model, "outbound" for model-to-caller).
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordMalformedFrame records one dropped undecodable frame from the given
// source ("telephony" or "model").
func (m *Metrics) RecordMalformedFrame(ctx context.Context, source string) {
	m.MalformedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordInterruption records one caller barge-in, noting whether the playback
// clock had to be clamped.
func (m *Metrics) RecordInterruption(ctx context.Context, clockClamped bool) {
	m.Interruptions.Add(ctx, 1)
	if clockClamped {
		m.ClockAnomalies.Add(ctx, 1)
	}
}
