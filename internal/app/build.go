package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/delivery"
	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/preprocess"
	"github.com/MrWong99/scribe/internal/worker"
	"github.com/MrWong99/scribe/pkg/audio/source"
)

// ErrNoConfigPath is returned when a process-mode worker is requested without
// a config file the child could read.
var ErrNoConfigPath = errors.New("app: process worker needs the config file path")

// NewHandler builds the engine and request handler described by cfg. The
// worker child process and the in-process facade both use it, so the two
// modes load identical backends. forceStub loads the deterministic stub
// whatever backend cfg names.
func NewHandler(cfg *config.Config, reg *config.Registry, log *slog.Logger, m *observe.Metrics, forceStub bool) (*worker.Handler, error) {
	eng, err := NewEngine(cfg, reg, log, m)
	if err != nil {
		return nil, err
	}
	var pre *preprocess.Processor
	if opts := preprocessOptions(cfg); opts.Enabled() {
		pre = preprocess.New(opts, log)
	}
	return worker.NewHandler(eng, pre, forceStub || cfg.Model.IsStub(), log), nil
}

// NewEngine returns an unloaded engine for the configured backend.
func NewEngine(cfg *config.Config, reg *config.Registry, log *slog.Logger, m *observe.Metrics) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithWarmup(cfg.Model.WarmupEnabled()),
		engine.WithLanguage(cfg.Model.Language),
	}
	if !cfg.Model.IsStub() {
		name, f, err := reg.ModelFactory(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("app: model backend: %w", err)
		}
		opts = append(opts, engine.WithFactory(name, f, cfg.Model.STT()))
	}
	return engine.New(opts...), nil
}

func preprocessOptions(cfg *config.Config) preprocess.Options {
	p := cfg.Preprocess
	return preprocess.Options{
		AGC:              p.AGC,
		NoiseSuppression: p.NoiseSuppression,
		TargetDBFS:       p.TargetDBFS,
		PruneSilenceMs:   p.PruneSilenceMs,
		SampleRate:       cfg.Audio.SampleRate,
	}
}

// WorkerArgv returns the command line of a worker child for the config file
// at configPath. An empty executable re-executes the running binary.
func WorkerArgv(executable, configPath string) ([]string, error) {
	if configPath == "" {
		return nil, ErrNoConfigPath
	}
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("app: locate worker executable: %w", err)
		}
		executable = exe
	}
	return []string{executable, "worker", "-config", configPath}, nil
}

// NewWorker builds the worker facade selected by cfg.Worker.Mode.
func NewWorker(cfg *config.Config, configPath string, reg *config.Registry, log *slog.Logger, m *observe.Metrics) (*worker.Worker, error) {
	opts := []worker.Option{
		worker.WithLogger(log),
		worker.WithMetrics(m),
		worker.WithStopTimeout(cfg.Worker.StopTimeout),
		worker.WithStartTimeout(cfg.Worker.StartTimeout),
	}
	if cfg.Worker.Mode == config.WorkerInProcess {
		h, err := NewHandler(cfg, reg, log, m, false)
		if err != nil {
			return nil, err
		}
		return worker.NewInProcess(h, opts...), nil
	}
	argv, err := WorkerArgv(cfg.Worker.Executable, configPath)
	if err != nil {
		return nil, err
	}
	return worker.NewProcess(argv, opts...), nil
}

// NewSource opens the capture source selected by cfg.Audio.Source. File
// sources are replayed at real-time pace until ctx ends.
func NewSource(ctx context.Context, cfg *config.Config) (source.Source, error) {
	a := cfg.Audio
	switch a.Source {
	case config.SourceStdin:
		return source.Stdin(), nil
	case config.SourceFile:
		r, err := source.OpenWAV(a.File, a.SampleRate)
		if err != nil {
			return nil, err
		}
		return source.NewPaced(ctx, r, time.Duration(a.FrameMs)*time.Millisecond), nil
	case config.SourcePortAudio:
		return source.OpenMicrophone(a.SampleRate, a.FrameMs)
	default:
		return nil, fmt.Errorf("app: unknown audio source %q", a.Source)
	}
}

// sinks holds the delivery sinks built from cfg.Output plus the handles the
// app needs beyond the Sink interface.
type sinks struct {
	list     []delivery.Sink
	hub      *delivery.Hub
	notifier *delivery.Notifier
	closers  []func() error
}

func newSinks(cfg *config.Config, log *slog.Logger) (*sinks, error) {
	o := cfg.Output
	s := &sinks{}
	if o.StdoutEnabled() {
		s.list = append(s.list, delivery.NewWriter("stdout", os.Stdout))
	}
	if o.File != "" {
		w, err := delivery.OpenFile(o.File)
		if err != nil {
			return nil, err
		}
		s.list = append(s.list, w)
		s.closers = append(s.closers, w.Close)
	}
	if o.Notify {
		s.notifier = delivery.NewNotifier("scribe")
		s.list = append(s.list, s.notifier)
	}
	if o.Clipboard {
		s.list = append(s.list, delivery.NewClipboard())
	}
	if o.WebSocket {
		s.hub = delivery.NewHub(log)
		s.list = append(s.list, s.hub)
	}
	return s, nil
}
