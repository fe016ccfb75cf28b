// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenza-voice/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline counters ---

	// CaptureFrames counts microphone frames pulled from the capture device.
	CaptureFrames metric.Int64Counter

	// AudioSentBytes counts PCM bytes sent to the provider.
	AudioSentBytes metric.Int64Counter

	// AudioReceivedBytes counts PCM bytes received from the provider.
	AudioReceivedBytes metric.Int64Counter

	// PlaybackBuffers counts buffers handed to the playback scheduler.
	PlaybackBuffers metric.Int64Counter

	// Interruptions counts barge-ins that flushed the playback queue.
	Interruptions metric.Int64Counter

	// --- Session counters ---

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	Reconnects metric.Int64Counter

	// Transcripts counts transcript entries by speaker. Use with attribute:
	//   attribute.String("speaker", ...)
	Transcripts metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Latency histograms ---

	// SendDuration tracks how long SendAudio takes, a proxy for uplink
	// pressure.
	SendDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live assistant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime audio paths.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio pipeline counters.
	if met.CaptureFrames, err = m.Int64Counter("cadenza.capture.frames",
		metric.WithDescription("Total microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.AudioSentBytes, err = m.Int64Counter("cadenza.audio.sent.bytes",
		metric.WithDescription("Total PCM bytes sent to the provider."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioReceivedBytes, err = m.Int64Counter("cadenza.audio.received.bytes",
		metric.WithDescription("Total PCM bytes received from the provider."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffers, err = m.Int64Counter("cadenza.playback.buffers",
		metric.WithDescription("Total buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("cadenza.interruptions",
		metric.WithDescription("Total barge-ins that flushed playback."),
	); err != nil {
		return nil, err
	}

	// Session counters.
	if met.Reconnects, err = m.Int64Counter("cadenza.session.reconnects",
		metric.WithDescription("Total reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("cadenza.transcripts",
		metric.WithDescription("Total transcript entries by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("cadenza.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SendDuration, err = m.Float64Histogram("cadenza.audio.send.duration",
		metric.WithDescription("Latency of sending one audio chunk to the provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live assistant sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
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

// RecordAudioSent records one uplink chunk: the byte counter and the send
// latency histogram.
func (m *Metrics) RecordAudioSent(ctx context.Context, bytes int, seconds float64) {
	m.AudioSentBytes.Add(ctx, int64(bytes))
	m.SendDuration.Record(ctx, seconds)
}

// RecordAudioReceived records one downlink chunk.
func (m *Metrics) RecordAudioReceived(ctx context.Context, bytes int) {
	m.AudioReceivedBytes.Add(ctx, int64(bytes))
	m.PlaybackBuffers.Add(ctx, 1)
}

// RecordTranscript records one transcript entry for the given speaker.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordReconnect records one reconnection attempt with its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
