// Package observe provides application-wide observability primitives for
// omnisuite: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all omnisuite metrics.
const meterName = "github.com/MrWong99/omnisuite"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice sessions ---

	// VoiceSetupDuration tracks the time from Start until the remote side
	// acknowledged the session.
	VoiceSetupDuration metric.Float64Histogram

	// VoiceFramesSent counts captured blocks forwarded to the transport. Use
	// with attribute:
	//   attribute.String("silent", "true"|"false")
	VoiceFramesSent metric.Int64Counter

	// VoiceChunksScheduled counts inbound audio chunks queued for playback.
	VoiceChunksScheduled metric.Int64Counter

	// VoiceDecodeErrors counts inbound chunks dropped because they could not
	// be decoded. Use with attribute:
	//   attribute.String("stage", "base64"|"pcm")
	VoiceDecodeErrors metric.Int64Counter

	// VoicePlaybackErrors counts decoded chunks the output graph refused. Use
	// with attribute:
	//   attribute.String("reason", "format"|"other")
	VoicePlaybackErrors metric.Int64Counter

	// VoiceInterruptions counts barge-in interruptions signalled by the model.
	VoiceInterruptions metric.Int64Counter

	// VoiceSessionErrors counts sessions that ended in the error state. Use
	// with attribute:
	//   attribute.String("kind", "device"|"config"|"open"|"runtime")
	VoiceSessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTerminals tracks the number of open browser audio terminals.
	ActiveTerminals metric.Int64UpDownCounter

	// --- Panels ---

	// PanelDuration tracks the latency of email and image panel operations,
	// retries included. Use with attribute:
	//   attribute.String("op", ...)
	PanelDuration metric.Float64Histogram

	// PanelRequests counts panel operations. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	PanelRequests metric.Int64Counter

	// PanelRetries counts retried provider calls. Use with attribute:
	//   attribute.String("op", ...)
	PanelRetries metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// setup and panel round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VoiceSetupDuration, err = m.Float64Histogram("omnisuite.voice.setup.duration",
		metric.WithDescription("Time until the remote model acknowledged a voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PanelDuration, err = m.Float64Histogram("omnisuite.panel.duration",
		metric.WithDescription("Latency of panel operations including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceFramesSent, err = m.Int64Counter("omnisuite.voice.frames_sent",
		metric.WithDescription("Captured audio blocks sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.VoiceChunksScheduled, err = m.Int64Counter("omnisuite.voice.chunks_scheduled",
		metric.WithDescription("Model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.VoiceDecodeErrors, err = m.Int64Counter("omnisuite.voice.decode_errors",
		metric.WithDescription("Model audio chunks dropped by stage."),
	); err != nil {
		return nil, err
	}
	if met.VoicePlaybackErrors, err = m.Int64Counter("omnisuite.voice.playback_errors",
		metric.WithDescription("Decoded model audio chunks that could not be scheduled, by reason."),
	); err != nil {
		return nil, err
	}
	if met.VoiceInterruptions, err = m.Int64Counter("omnisuite.voice.interruptions",
		metric.WithDescription("Playback interruptions signalled by the model."),
	); err != nil {
		return nil, err
	}
	if met.VoiceSessionErrors, err = m.Int64Counter("omnisuite.voice.session_errors",
		metric.WithDescription("Voice sessions that ended in the error state, by kind."),
	); err != nil {
		return nil, err
	}
	if met.PanelRequests, err = m.Int64Counter("omnisuite.panel.requests",
		metric.WithDescription("Panel operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.PanelRetries, err = m.Int64Counter("omnisuite.panel.retries",
		metric.WithDescription("Retried provider calls by op."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("omnisuite.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("omnisuite.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTerminals, err = m.Int64UpDownCounter("omnisuite.active_terminals",
		metric.WithDescription("Number of open browser audio terminals."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("omnisuite.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordPanelRequest records a panel operation with its outcome and latency.
func (m *Metrics) RecordPanelRequest(ctx context.Context, op, status string, seconds float64) {
	m.PanelRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.PanelDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordPanelRetry records one retried provider call of op.
func (m *Metrics) RecordPanelRetry(ctx context.Context, op string) {
	m.PanelRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordFrameSent records one captured block sent to the model. silent marks
// blocks whose level is below the silence threshold.
func (m *Metrics) RecordFrameSent(ctx context.Context, silent bool) {
	m.VoiceFramesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("silent", strconv.FormatBool(silent))),
	)
}

// RecordPlaybackError records one decoded chunk that could not be scheduled.
func (m *Metrics) RecordPlaybackError(ctx context.Context, reason string) {
	m.VoicePlaybackErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDecodeError records one inbound chunk that failed to decode.
func (m *Metrics) RecordDecodeError(ctx context.Context, stage string) {
	m.VoiceDecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordSessionError records a voice session that failed.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.VoiceSessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
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
