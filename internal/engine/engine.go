// Package engine owns the loaded speech-to-text model of a worker.
//
// An Engine holds at most one [stt.Model] at a time. It loads either the
// configured backend or the deterministic stub, warms real models up with a
// short silent inference, serialises transcription calls and classifies
// allocation failures as [ErrResourceExhausted] so callers can unload before
// retrying.
//
// The Engine is not a transport: the worker process and the in-process
// facade both drive it directly and wrap its results into a [Response].
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

var (
	// ErrNotLoaded is returned by transcription calls while no model is loaded.
	ErrNotLoaded = errors.New("engine: model not loaded")

	// ErrResourceExhausted marks an out-of-memory failure during load or
	// inference. Retrying immediately is unlikely to succeed.
	ErrResourceExhausted = errors.New("engine: resource exhausted")

	// ErrLoadFailed is returned when the model backend could not be created.
	ErrLoadFailed = errors.New("engine: load failed")
)

// warmupDuration is the length of the silent clip used for warm-up.
const warmupDuration = 500 * time.Millisecond

// Option configures an Engine.
type Option func(*Engine)

// WithFactory sets the backend used by Load(false) and the configuration it
// is called with. name labels metrics and logs.
func WithFactory(name string, f stt.Factory, cfg stt.ModelConfig) Option {
	return func(e *Engine) {
		e.backend = name
		e.factory = f
		e.modelCfg = cfg
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source used for benchmarking.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWarmup enables or disables the warm-up inference after loading a real
// model. Default: enabled.
func WithWarmup(enabled bool) Option {
	return func(e *Engine) { e.warmup = enabled }
}

// WithLanguage sets the language hint passed to every call.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns one model resource. All methods are safe for concurrent use;
// transcription calls are serialised.
type Engine struct {
	mu       sync.Mutex
	model    stt.Model
	stub     bool
	backend  string
	factory  stt.Factory
	modelCfg stt.ModelConfig
	language string
	warmup   bool
	log      *slog.Logger
	now      func() time.Time
	metrics  *observe.Metrics
}

// New returns an unloaded Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		backend: "stub",
		warmup:  true,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Load acquires the model. With useStub the deterministic stub is loaded
// instead of the configured backend. Loading while a model of the same kind
// is loaded is a no-op; switching kinds unloads the current model first.
//
// A warm-up failure is logged and does not fail Load.
func (e *Engine) Load(ctx context.Context, useStub bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		if e.stub == useStub {
			return nil
		}
		e.unloadLocked()
	}

	if useStub {
		e.model = stub.New()
		e.stub = true
		e.log.Info("engine: stub model loaded")
		e.metrics.RecordModelLifecycle(ctx, "load")
		return nil
	}

	if e.factory == nil {
		return fmt.Errorf("%w: no model backend configured", ErrLoadFailed)
	}
	start := e.now()
	m, err := e.factory(e.modelCfg)
	if err != nil {
		if stt.IsOutOfMemory(err) {
			return fmt.Errorf("%w: load %s: %w", ErrResourceExhausted, e.backend, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrLoadFailed, e.backend, err)
	}
	e.model = m
	e.stub = false
	e.metrics.RecordModelLifecycle(ctx, "load")
	e.log.Info("engine: model loaded", "backend", e.backend, "took", e.now().Sub(start))

	if e.warmup {
		silence := make([]float32, int(warmupDuration.Seconds()*audio.DefaultSampleRate))
		if _, err := e.model.Transcribe(ctx, silence, stt.Options{Language: e.language}); err != nil {
			e.log.Warn("engine: warm-up failed", "backend", e.backend, "err", err)
		}
	}
	return nil
}

// Unload releases the model and asks the backend to free device memory.
// Calling Unload while unloaded is a no-op.
func (e *Engine) Unload(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return
	}
	e.unloadLocked()
	e.metrics.RecordModelLifecycle(ctx, "unload")
}

func (e *Engine) unloadLocked() {
	if err := e.model.Close(); err != nil {
		e.log.Warn("engine: close model", "err", err)
	}
	if r, ok := e.model.(stt.DeviceMemoryReleaser); ok {
		if err := r.ReleaseDeviceMemory(); err != nil {
			e.log.Warn("engine: release device memory", "err", err)
		}
	}
	e.model = nil
	e.stub = false
	runtime.GC()
	debug.FreeOSMemory()
	e.log.Info("engine: model unloaded", "backend", e.backend)
}

// Loaded reports whether a model is currently loaded.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// Stub reports whether the loaded model is the deterministic stub.
func (e *Engine) Stub() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil && e.stub
}

// TranscribePlain transcribes mono 16 kHz samples.
func (e *Engine) TranscribePlain(ctx context.Context, samples []float32) (string, error) {
	res, err := e.transcribe(ctx, samples, false)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// TranscribeDetailed transcribes samples and also returns per-word timings.
// The sequence is empty when the backend does not report timings.
func (e *Engine) TranscribeDetailed(ctx context.Context, samples []float32) (string, iter.Seq[stt.WordDetail], error) {
	res, err := e.transcribe(ctx, samples, true)
	if err != nil {
		return "", nil, err
	}
	return res.Text, slices.Values(res.Words), nil
}

// BenchmarkRTF times one plain transcription and returns audio duration
// divided by processing time. A zero processing time yields +Inf.
func (e *Engine) BenchmarkRTF(ctx context.Context, samples []float32) (float64, error) {
	start := e.now()
	if _, err := e.TranscribePlain(ctx, samples); err != nil {
		return 0, err
	}
	took := e.now().Sub(start)
	if took <= 0 {
		return math.Inf(1), nil
	}
	return sampleDuration(samples).Seconds() / took.Seconds(), nil
}

func (e *Engine) transcribe(ctx context.Context, samples []float32, words bool) (res stt.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return stt.Result{}, ErrNotLoaded
	}

	backend := e.backend
	if e.stub {
		backend = "stub"
	}
	ctx, span := observe.StartSpan(ctx, "engine.transcribe")
	span.SetAttributes(
		attribute.String("backend", backend),
		attribute.Int("samples", len(samples)),
		attribute.Bool("words", words),
	)
	defer func() { observe.EndSpan(span, err) }()

	start := e.now()
	res, err = e.model.Transcribe(ctx, samples, stt.Options{Language: e.language, WordTimestamps: words})
	took := e.now().Sub(start)
	if err != nil {
		e.metrics.RecordTranscription(ctx, backend, "error", took, 0)
		if stt.IsOutOfMemory(err) {
			e.metrics.RecordError(ctx, "engine", "resource_exhausted")
			return stt.Result{}, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return stt.Result{}, fmt.Errorf("engine: transcribe: %w", err)
	}
	e.metrics.RecordTranscription(ctx, backend, "ok", took, sampleDuration(samples))
	return res, nil
}

func sampleDuration(samples []float32) time.Duration {
	return time.Duration(len(samples)) * time.Second / audio.DefaultSampleRate
}
