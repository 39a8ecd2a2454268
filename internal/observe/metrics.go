// Package observe provides application-wide observability primitives for
// scribe: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
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

// meterName is the instrumentation scope name used for all scribe metrics.
const meterName = "github.com/MrWong99/scribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscribeDuration tracks inference latency per utterance. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	TranscribeDuration metric.Float64Histogram

	// RealTimeFactor tracks audio duration divided by inference duration.
	RealTimeFactor metric.Float64Histogram

	// UtteranceDuration tracks the length of utterances emitted by the VAD gate.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// WorkerRequests counts facade round trips. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	WorkerRequests metric.Int64Counter

	// Utterances counts utterances emitted by the VAD gate.
	Utterances metric.Int64Counter

	// BatchSlices counts finished batch slices. Use with attribute:
	//   attribute.String("status", ...)
	BatchSlices metric.Int64Counter

	// WorkerRestarts counts worker processes respawned after a crash.
	WorkerRestarts metric.Int64Counter

	// ModelLifecycle counts load/unload operations. Use with attribute:
	//   attribute.String("op", ...)
	ModelLifecycle metric.Int64Counter

	// --- Error counters ---

	// Errors counts failures by component and kind. Use with attributes:
	//   attribute.String("component", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// InflightRequests tracks facade requests awaiting a response.
	InflightRequests metric.Int64UpDownCounter

	// DeviceMemoryFree reports the last observed free device memory in MiB.
	DeviceMemoryFree metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// utterance-sized inference calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// rtfBuckets spans "slower than real time" up to "a hundred times faster".
var rtfBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 25, 50, 100,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("scribe.transcribe.duration",
		metric.WithDescription("Latency of a single transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealTimeFactor, err = m.Float64Histogram("scribe.transcribe.rtf",
		metric.WithDescription("Audio duration divided by inference duration."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("scribe.vad.utterance.duration",
		metric.WithDescription("Length of utterances cut by the VAD gate."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WorkerRequests, err = m.Int64Counter("scribe.worker.requests",
		metric.WithDescription("Total worker requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("scribe.vad.utterances",
		metric.WithDescription("Total utterances emitted by the VAD gate."),
	); err != nil {
		return nil, err
	}
	if met.BatchSlices, err = m.Int64Counter("scribe.batch.slices",
		metric.WithDescription("Total batch slices by status."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("scribe.worker.restarts",
		metric.WithDescription("Total worker processes respawned after a crash."),
	); err != nil {
		return nil, err
	}
	if met.ModelLifecycle, err = m.Int64Counter("scribe.model.lifecycle",
		metric.WithDescription("Total model load and unload operations."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("scribe.errors",
		metric.WithDescription("Total errors by component and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.InflightRequests, err = m.Int64UpDownCounter("scribe.worker.inflight",
		metric.WithDescription("Worker requests awaiting a response."),
	); err != nil {
		return nil, err
	}
	if met.DeviceMemoryFree, err = m.Float64Gauge("scribe.device.memory.free",
		metric.WithDescription("Free accelerator memory at the last poll."),
		metric.WithUnit("MiBy"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribe.http.request.duration",
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

// RecordTranscription records latency for one inference call and, when it
// succeeded and took measurable time, the real-time factor.
func (m *Metrics) RecordTranscription(ctx context.Context, backend, status string, took, audio time.Duration) {
	m.TranscribeDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
	if status == "ok" && took > 0 {
		m.RealTimeFactor.Record(ctx, audio.Seconds()/took.Seconds(),
			metric.WithAttributes(attribute.String("backend", backend)),
		)
	}
}

// RecordWorkerRequest records a facade round trip.
func (m *Metrics) RecordWorkerRequest(ctx context.Context, kind, status string) {
	m.WorkerRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records one utterance of length d.
func (m *Metrics) RecordUtterance(ctx context.Context, d time.Duration) {
	m.Utterances.Add(ctx, 1)
	m.UtteranceDuration.Record(ctx, d.Seconds())
}

// RecordBatchSlice records a finished batch slice.
func (m *Metrics) RecordBatchSlice(ctx context.Context, status string) {
	m.BatchSlices.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWorkerRestart records a worker respawn.
func (m *Metrics) RecordWorkerRestart(ctx context.Context) {
	m.WorkerRestarts.Add(ctx, 1)
}

// RecordModelLifecycle records a load or unload.
func (m *Metrics) RecordModelLifecycle(ctx context.Context, op string) {
	m.ModelLifecycle.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordError is a convenience method that records an error counter
// increment.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("kind", kind),
		),
	)
}

// RecordDeviceMemory records the most recent free-memory reading in MiB.
func (m *Metrics) RecordDeviceMemory(ctx context.Context, freeMiB float64) {
	m.DeviceMemoryFree.Record(ctx, freeMiB)
}
