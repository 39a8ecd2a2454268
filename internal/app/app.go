// Package app wires the scribe subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds every component from the
// config, Run drives the live pipeline until the source ends or ctx is
// cancelled, and Shutdown tears everything down in order.
//
// The live pipeline is
//
//	source -> VAD gate -> utterance queue -> worker facade -> delivery fanout
//
// Frames are read and gated on one goroutine; utterances are transcribed one
// at a time on another so a slow inference never stalls capture. With the
// spool enabled every utterance is written to disk before it is queued and
// released once its transcript is delivered.
//
// For testing, inject doubles via functional options (WithWorker, WithSource,
// WithSinks, WithGauge). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/delivery"
	"github.com/MrWong99/scribe/internal/health"
	"github.com/MrWong99/scribe/internal/monitor"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/spool"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/internal/vadgate"
	"github.com/MrWong99/scribe/internal/worker"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/audio/source"
)

// utteranceQueue bounds the utterances waiting for transcription. Further
// utterances are dropped while it is full.
const utteranceQueue = 8

// utterance is one queued stretch of speech and its spool chunk, if any.
type utterance struct {
	pcm   []byte
	chunk string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	configPath     string
	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	reg            *config.Registry

	worker     *worker.Worker
	supervisor *worker.Supervisor
	src        source.Source
	gate       *vadgate.Gate
	corrector  *transcript.Corrector
	fanout     *delivery.Fanout
	sinks      []delivery.Sink
	hub        *delivery.Hub
	notifier   *delivery.Notifier
	gauge      monitor.Gauge
	monitor    *monitor.Monitor
	health     *health.Handler
	server     *http.Server
	watcher    *config.Watcher
	spool      *spool.Spool

	utterances chan utterance
	listening  atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConfigPath names the file cfg was loaded from. It is handed to the
// worker child and watched for hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the app the level variable behind its log handler so a
// reloaded config can change verbosity.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind GET /metrics, normally
// [observe.Provider.MetricsHandler]. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithRegistry sets the backend registry. Default: config.DefaultRegistry().
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithWorker injects a worker facade instead of building one from config.
// The app still starts and stops it.
func WithWorker(w *worker.Worker) Option {
	return func(a *App) { a.worker = w }
}

// WithSource injects the capture source instead of opening the configured
// one.
func WithSource(s source.Source) Option {
	return func(a *App) { a.src = s }
}

// WithSinks replaces the configured delivery sinks.
func WithSinks(sinks ...delivery.Sink) Option {
	return func(a *App) { a.sinks = sinks }
}

// WithGauge replaces nvidia-smi as the device memory gauge of the monitor.
func WithGauge(p monitor.Gauge) Option {
	return func(a *App) { a.gauge = p }
}

// New creates an App by wiring all subsystems together. cfg must already be
// defaulted and validated. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		utterances: make(chan utterance, utteranceQueue),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = config.DefaultRegistry()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if err := a.initWorker(); err != nil {
		return nil, fmt.Errorf("app: init worker: %w", err)
	}
	if err := a.initGate(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	if err := a.initDelivery(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init delivery: %w", err)
	}
	a.initSpool()
	a.initMonitor()
	a.initServer()
	a.listening.Store(true)
	return a, nil
}

// initWorker builds the facade and, for child processes, its supervisor.
func (a *App) initWorker() error {
	if a.worker == nil {
		w, err := NewWorker(a.cfg, a.configPath, a.reg, a.log, a.metrics)
		if err != nil {
			return err
		}
		a.worker = w
	}
	if a.worker.Mode() == worker.ModeProcess {
		a.supervisor = worker.NewSupervisor(a.worker, worker.SupervisorConfig{
			Backoff:     a.cfg.Worker.RestartBackoff,
			MaxRestarts: a.cfg.Worker.MaxRestarts,
			StableAfter: a.cfg.Worker.StableAfter,
			Logger:      a.log,
			Metrics:     a.metrics,
		})
	}
	return nil
}

// initGate opens the source and builds the VAD gate in front of it.
func (a *App) initGate(ctx context.Context) error {
	if a.src == nil {
		src, err := NewSource(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.src = src
	}
	a.closers = append(a.closers, a.src.Close)

	classifier, err := a.reg.Classifier(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.gate, err = vadgate.New(vadgate.Config{
		SampleRate:         a.cfg.Audio.SampleRate,
		FrameMs:            a.cfg.Audio.FrameMs,
		SilenceThresholdMs: a.cfg.Audio.SilenceThresholdMs,
	}, classifier,
		vadgate.WithOnSpeechStart(func() { a.log.Debug("speech started") }),
		vadgate.WithOnSpeechEnd(a.enqueue),
		vadgate.WithLogger(a.log),
	)
	return err
}

// initDelivery builds the configured sinks and the fanout over them.
func (a *App) initDelivery() error {
	if a.sinks == nil {
		s, err := newSinks(a.cfg, a.log)
		if err != nil {
			return err
		}
		a.sinks, a.hub, a.notifier = s.list, s.hub, s.notifier
		a.closers = append(a.closers, s.closers...)
	}
	a.corrector = transcript.NewCorrector(a.cfg.Output.Vocabulary)
	a.fanout = delivery.NewFanout(a.sinks,
		delivery.WithCorrector(a.corrector),
		delivery.WithLogger(a.log),
		delivery.WithMetrics(a.metrics),
	)
	a.log.Info("delivery ready", "sinks", a.fanout.Sinks(), "vocabulary", len(a.cfg.Output.Vocabulary))
	return nil
}

// initSpool opens the crash spool when enabled. A spool that cannot be
// opened is logged and skipped; live transcription goes on without it.
func (a *App) initSpool() {
	if !a.cfg.Spool.IsEnabled() {
		return
	}
	s := spool.New(a.cfg.Spool.Dir, spool.WithLogger(a.log))
	if err := s.Start(); err != nil {
		a.log.Warn("spool disabled", "err", err)
		a.metrics.RecordError(context.Background(), "app", "spool")
		return
	}
	a.spool = s
	a.closers = append(a.closers, s.Close)
}

// initMonitor builds the device memory monitor when enabled.
func (a *App) initMonitor() {
	mc := a.cfg.Monitor
	if !mc.Enabled {
		return
	}
	gauge := a.gauge
	if gauge == nil {
		gauge = monitor.NvidiaSMI{Path: mc.NvidiaSMI, Device: mc.Device}
	}
	var notify func(string)
	if a.notifier != nil {
		notify = func(msg string) {
			if err := a.notifier.Message(msg); err != nil {
				a.log.Debug("monitor notification failed", "err", err)
			}
		}
	}
	a.monitor = monitor.New(a.worker, gauge, monitor.Config{
		Interval:       mc.Interval,
		UnloadBelowMiB: mc.UnloadThresholdMB,
		ReloadAboveMiB: mc.ReloadThresholdMB,
		RequestTimeout: a.cfg.Worker.RequestTimeout,
		Notify:         notify,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
}

// initServer builds the HTTP server when a listen address is configured.
func (a *App) initServer() {
	a.health = health.New(health.WorkerCheckers(a.worker)...)
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP API: health checks, Prometheus metrics, the
// listening toggle and, when enabled, the transcript websocket.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /listening", a.handleListening)
	mux.HandleFunc("POST /listening", a.handleListening)
	if a.hub != nil {
		a.hub.Register(mux)
	}
	return observe.Middleware(a.metrics, a.log)(mux)
}

// Worker returns the worker facade.
func (a *App) Worker() *worker.Worker { return a.worker }

// SetListening pauses or resumes transcription. While paused, frames are
// read and discarded and any half-captured utterance is dropped.
func (a *App) SetListening(on bool) {
	if a.listening.Swap(on) != on {
		a.log.Info("listening toggled", "listening", on)
	}
}

// Listening reports whether captured audio is being transcribed.
func (a *App) Listening() bool { return a.listening.Load() }

// Run starts the worker and drives the live pipeline. It returns nil once the
// source is exhausted and every queued utterance is delivered, or when ctx is
// cancelled; any other error stops the pipeline and is returned.
func (a *App) Run(ctx context.Context) error {
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("app: start worker: %w", err)
	}
	a.startWatcher()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.capture(ctx) })
	g.Go(func() error {
		// The source ended; stop the background loops too.
		defer cancel()
		return a.transcribeLoop(ctx)
	})
	if a.supervisor != nil {
		g.Go(func() error { return ignoreCanceled(a.supervisor.Run(ctx)) })
	}
	if a.monitor != nil {
		g.Go(func() error { return ignoreCanceled(a.monitor.Run(ctx)) })
	}
	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return a.server.Shutdown(sctx)
		})
	}

	a.log.Info("app running",
		"source", a.cfg.Audio.Source,
		"backend", a.cfg.Model.Backend,
		"worker", a.worker.Mode().String(),
	)
	return g.Wait()
}

// capture reads frames and feeds the gate until the source ends. It owns the
// utterance queue and closes it on return.
func (a *App) capture(ctx context.Context) error {
	defer close(a.utterances)
	stop := context.AfterFunc(ctx, func() { a.src.Close() })
	defer stop()

	frame := make([]byte, a.gate.BytesPerFrame())
	paused := false
	for {
		err := a.src.ReadFrame(frame)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			a.gate.Flush()
			a.log.Info("audio source ended")
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("app: read frame: %w", err)
		}

		if !a.listening.Load() {
			if !paused {
				a.gate.Reset()
				paused = true
			}
			continue
		}
		paused = false
		if err := a.gate.ProcessFrame(frame); err != nil {
			return fmt.Errorf("app: vad: %w", err)
		}
	}
}

// enqueue spools a finished utterance and hands it to the transcription
// loop without blocking capture. A dropped utterance stays in the spool.
func (a *App) enqueue(pcm []byte) {
	utt := utterance{pcm: pcm}
	if a.spool != nil {
		chunk, err := a.spool.Write(pcm)
		if err != nil {
			a.log.Warn("spool write failed", "err", err)
			a.metrics.RecordError(context.Background(), "app", "spool")
		}
		utt.chunk = chunk
	}
	select {
	case a.utterances <- utt:
	default:
		a.log.Warn("utterance dropped, transcription is falling behind",
			"duration", audio.Duration(pcm, a.cfg.Audio.SampleRate),
			"spooled", utt.chunk != "")
		a.metrics.RecordError(context.Background(), "app", "queue_full")
	}
}

// transcribeLoop transcribes and delivers utterances until the queue closes.
func (a *App) transcribeLoop(ctx context.Context) error {
	for utt := range a.utterances {
		if ctx.Err() != nil {
			continue
		}
		a.transcribe(ctx, utt)
	}
	return nil
}

// transcribe runs one utterance through the worker and publishes the text.
// Failures are logged; the pipeline keeps going. The spool chunk is released
// only once every sink took the transcript.
func (a *App) transcribe(ctx context.Context, utt utterance) {
	start := time.Now()
	dur := audio.Duration(utt.pcm, a.cfg.Audio.SampleRate)
	a.metrics.RecordUtterance(ctx, dur)
	log := observe.Logger(ctx, a.log).With("audio", dur)

	resp, err := a.worker.Transcribe(ctx, utt.pcm, a.cfg.Worker.RequestTimeout)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		log.Warn("transcription failed", "err", err, "spooled", utt.chunk != "")
		a.metrics.RecordError(ctx, "app", "transcribe")
		return
	}

	t, err := a.fanout.Publish(ctx, delivery.Input{
		Source: transcript.SourceLive,
		Text:   resp.Text,
		At:     start,
		Audio:  dur,
		Took:   time.Since(start),
	})
	switch {
	case errors.Is(err, delivery.ErrEmpty):
		log.Debug("empty transcript discarded")
	case err != nil:
		log.Warn("delivery incomplete", "seq", t.Seq, "err", err)
		return
	default:
		log.Debug("transcript delivered", "seq", t.Seq, "took", t.Took)
	}
	a.release(utt)
}

func (a *App) release(utt utterance) {
	if a.spool == nil || utt.chunk == "" {
		return
	}
	if err := a.spool.Release(utt.chunk); err != nil {
		a.log.Warn("spool release failed", "err", err)
	}
}

// startWatcher begins polling the config file for hot-reloadable changes.
func (a *App) startWatcher() {
	if a.configPath == "" || a.watcher != nil {
		return
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatcherLogger(a.log))
	if err != nil {
		a.log.Warn("config watcher disabled", "err", err)
		return
	}
	a.watcher = w
}

// applyConfig applies the hot fields of a reloaded config. Everything else
// is logged as needing a restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(new.Output.Vocabulary)
		a.log.Info("vocabulary reloaded", "terms", len(new.Output.Vocabulary))
	}
	if d.OutputChanged {
		a.log.Warn("output sinks changed, restart to apply")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changed, restart to apply", "sections", d.RestartRequired)
	}
}

// Shutdown stops the worker and tears down every subsystem. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.listening.Store(false)
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.server != nil {
			if serr := a.server.Shutdown(ctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				a.log.Warn("http server shutdown", "err", serr)
			}
		}
		if a.hub != nil {
			a.hub.Close()
		}
		if werr := a.worker.Stop("shutdown"); werr != nil {
			a.log.Warn("worker stop", "err", werr)
		}
		err = a.runClosers(ctx)
		a.log.Info("shutdown complete")
	})
	return err
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		}
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// closeAll releases what New acquired before failing.
func (a *App) closeAll() {
	a.runClosers(context.Background())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
