// Command scribe is a local speech-to-text daemon: it segments microphone
// audio into utterances, transcribes them in an isolated worker process and
// delivers the text to the configured sinks.
//
// Usage:
//
//	scribe [run] -config config.yaml          run the live pipeline
//	scribe worker -config config.yaml [-stub] worker child (started by run)
//	scribe transcribe -config config.yaml f.wav
//	scribe bench -config config.yaml f.wav
//	scribe recover -config config.yaml [-discard]  replay audio left by a crash
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/scribe/internal/app"
	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/observe"
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return run(args)
	case "worker":
		return runWorker(args)
	case "transcribe":
		return runTranscribe(args)
	case "bench":
		return runBench(args)
	case "recover":
		return runRecover(args)
	default:
		fmt.Fprintf(os.Stderr, "scribe: unknown command %q (want run, worker, transcribe, bench or recover)\n", cmd)
		return 2
	}
}

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("scribe starting",
		"config", *configPath,
		"backend", cfg.Model.Backend,
		"worker", cfg.Worker.Mode,
		"source", cfg.Audio.Source,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{Role: observe.RoleDaemon})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg,
		app.WithConfigPath(*configPath),
		app.WithLogger(logger),
		app.WithLevel(&level),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path. When the file is missing and required is false the
// defaults are used instead.
func loadConfig(path string, required bool) (*config.Config, error) {
	if path == "" {
		if required {
			return nil, errors.New("a config file is required (-config)")
		}
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		if !required {
			cfg := &config.Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// newLogger returns a stderr text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
