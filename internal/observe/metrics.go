// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesEncoded counts capture frames successfully encoded and handed to
	// the transport.
	FramesEncoded metric.Int64Counter

	// CodecErrors counts codec failures. Use with attribute:
	//   attribute.String("op", "encode"|"decode")
	CodecErrors metric.Int64Counter

	// --- Transport ---

	// PacketsReceived counts inbound binary audio packets.
	PacketsReceived metric.Int64Counter

	// PacketsDropped counts packets discarded before reaching their consumer.
	// Use with attribute:
	//   attribute.String("reason", "overflow"|"rejected"|"outbound_full"|"not_connected")
	PacketsDropped metric.Int64Counter

	// HandshakeDuration tracks the time between sending hello and resolving
	// the handshake. Use with attribute:
	//   attribute.String("result", "ok"|"timeout"|"error")
	HandshakeDuration metric.Float64Histogram

	// --- Playback ---

	// BufferStartLatency tracks the time spent in the buffering state before
	// playback begins. Use with attribute:
	//   attribute.String("trigger", "threshold"|"timeout"|"end_of_stream")
	BufferStartLatency metric.Float64Histogram

	// PlaybackUnits counts units handed to the playback sink.
	PlaybackUnits metric.Int64Counter

	// PlaybackEpisodes counts finished playback episodes. Use with attribute:
	//   attribute.String("reason", "completed"|"timeout"|"reset")
	PlaybackEpisodes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open backend sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of running capture streams.
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for handshake and buffering latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesEncoded, err = m.Int64Counter("voxlink.capture.frames_encoded",
		metric.WithDescription("Total capture frames encoded."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("voxlink.codec.errors",
		metric.WithDescription("Total codec failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.PacketsReceived, err = m.Int64Counter("voxlink.transport.packets_received",
		metric.WithDescription("Total inbound audio packets."),
	); err != nil {
		return nil, err
	}
	if met.PacketsDropped, err = m.Int64Counter("voxlink.packets_dropped",
		metric.WithDescription("Total packets discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnits, err = m.Int64Counter("voxlink.playback.units",
		metric.WithDescription("Total playback units scheduled."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackEpisodes, err = m.Int64Counter("voxlink.playback.episodes",
		metric.WithDescription("Total playback episodes finished by reason."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("voxlink.handshake.duration",
		metric.WithDescription("Latency of the session hello handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferStartLatency, err = m.Float64Histogram("voxlink.playback.buffer_start",
		metric.WithDescription("Time spent buffering before playback starts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of open backend sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("voxlink.active_captures",
		metric.WithDescription("Number of running capture streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
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

// RecordFrameEncoded increments the encoded-frames counter.
func (m *Metrics) RecordFrameEncoded(ctx context.Context) {
	m.FramesEncoded.Add(ctx, 1)
}

// RecordCodecError records a codec failure for op ("encode" or "decode").
func (m *Metrics) RecordCodecError(ctx context.Context, op string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordPacketReceived increments the inbound packet counter.
func (m *Metrics) RecordPacketReceived(ctx context.Context) {
	m.PacketsReceived.Add(ctx, 1)
}

// RecordPacketDropped records one discarded packet with the given reason.
func (m *Metrics) RecordPacketDropped(ctx context.Context, reason string) {
	m.PacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHandshake records the handshake latency with its result.
func (m *Metrics) RecordHandshake(ctx context.Context, d time.Duration, result string) {
	m.HandshakeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}

// RecordBufferStart records how long buffering lasted and what ended it.
func (m *Metrics) RecordBufferStart(ctx context.Context, d time.Duration, trigger string) {
	m.BufferStartLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordPlaybackUnit increments the scheduled-units counter.
func (m *Metrics) RecordPlaybackUnit(ctx context.Context) {
	m.PlaybackUnits.Add(ctx, 1)
}

// RecordPlaybackEpisode records one finished playback episode.
func (m *Metrics) RecordPlaybackEpisode(ctx context.Context, reason string) {
	m.PlaybackEpisodes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
