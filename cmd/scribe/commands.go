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
	"github.com/MrWong99/scribe/internal/batch"
	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/delivery"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/spool"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/internal/worker"
	"github.com/MrWong99/scribe/pkg/audio"
)

// runWorker is the entry point of the worker child process. Requests arrive
// on stdin and responses leave on stdout; logs go to stderr.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	useStub := fs.Bool("stub", false, "load the deterministic stub model")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe worker: %v\n", err)
		return worker.ExitLoadFail
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// Ctrl+C reaches the whole process group; the parent stops the child
	// with a Shutdown request instead.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	h, err := app.NewHandler(cfg, config.DefaultRegistry(), logger, nil, *useStub)
	if err != nil {
		logger.Error("worker: build engine", "err", err)
		return worker.ExitLoadFail
	}
	return worker.Main(ctx, worker.Params{Handler: h, Logger: logger})
}

// runTranscribe transcribes a WAV file through the batch windower and prints
// the ordered text.
func runTranscribe(args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: scribe transcribe -config config.yaml file.wav")
		return 2
	}
	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pcm, format, err := audio.ReadWAVFile(fs.Arg(0), cfg.Audio.SampleRate)
	if err != nil {
		logger.Error("read audio", "err", err)
		return 1
	}
	logger.Info("transcribing", "file", fs.Arg(0), "format", format.String(),
		"duration", audio.Duration(pcm, cfg.Audio.SampleRate), "window", cfg.Batch.Window())

	return transcribeToStdout(ctx, cfg, *configPath, pcm, transcript.SourceBatch, logger)
}

// runRecover replays the audio a daemon left in its spool when it went down
// before transcribing it. The chunks are transcribed as one recording,
// printed, then removed. Run it while the daemon is stopped.
func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	discard := fs.Bool("discard", false, "delete the leftover audio without transcribing it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp := spool.New(cfg.Spool.Dir, spool.WithLogger(logger))
	if *discard {
		if err := sp.Discard(); err != nil {
			logger.Error("discard spool", "err", err)
			return 1
		}
		logger.Info("spool discarded", "dir", sp.Dir())
		return 0
	}

	pcm, chunks, err := sp.Recover()
	if errors.Is(err, spool.ErrEmpty) {
		fmt.Fprintf(os.Stderr, "scribe: nothing to recover in %s\n", sp.Dir())
		return 0
	}
	if err != nil {
		logger.Error("read spool", "err", err)
		return 1
	}
	logger.Info("recovering", "dir", sp.Dir(), "chunks", chunks,
		"duration", audio.Duration(pcm, cfg.Audio.SampleRate))

	if code := transcribeToStdout(ctx, cfg, *configPath, pcm, transcript.SourceRecovered, logger); code != 0 {
		return code
	}
	if err := sp.Discard(); err != nil {
		logger.Warn("spool cleanup", "err", err)
	}
	return 0
}

// transcribeToStdout transcribes pcm through the batch windower on a fresh
// worker and prints the result. Without a config file the worker runs
// in-process.
func transcribeToStdout(ctx context.Context, cfg *config.Config, configPath string, pcm []byte, src transcript.Source, logger *slog.Logger) int {
	path := configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
		cfg.Worker.Mode = config.WorkerInProcess
	}
	w, err := app.NewWorker(cfg, path, config.DefaultRegistry(), logger, nil)
	if err != nil {
		logger.Error("build worker", "err", err)
		return 1
	}
	if err := w.Start(ctx); err != nil {
		logger.Error("start worker", "err", err)
		return 1
	}

	start := time.Now()
	text, err := transcribeBatch(w, pcm, cfg, logger)
	if err != nil {
		var se *batch.SliceError
		if errors.As(err, &se) {
			logger.Error("transcription incomplete", "window", se.Seq, "err", se.Err)
		} else {
			logger.Error("transcription failed", "err", err)
		}
		return 1
	}

	fanout := delivery.NewFanout(
		[]delivery.Sink{delivery.NewWriter("stdout", os.Stdout)},
		delivery.WithCorrector(transcript.NewCorrector(cfg.Output.Vocabulary)),
		delivery.WithLogger(logger),
	)
	_, err = fanout.Publish(ctx, delivery.Input{
		Source: src,
		Text:   text,
		At:     start,
		Audio:  audio.Duration(pcm, cfg.Audio.SampleRate),
		Took:   time.Since(start),
	})
	if err != nil && !errors.Is(err, delivery.ErrEmpty) {
		logger.Error("print transcript", "err", err)
		return 1
	}
	return 0
}

// transcribeBatch cuts pcm into windows, transcribes them concurrently and
// stops w when done.
func transcribeBatch(w *worker.Worker, pcm []byte, cfg *config.Config, log *slog.Logger) (string, error) {
	win := batch.New(w,
		batch.WithMaxWorkers(cfg.Batch.MaxWorkers),
		batch.WithLogger(log),
	)
	defer win.Close()

	s := batch.NewSlicer(win, cfg.Batch.Window(), cfg.Audio.SampleRate)
	if _, err := s.Write(pcm); err != nil {
		return "", err
	}
	if err := s.Flush(); err != nil {
		return "", err
	}
	log.Debug("windows submitted", "count", win.Pending())
	return win.Finalise(cfg.Batch.SliceTimeout)
}

// runBench loads the engine in-process and reports the real-time factor of
// one transcription of a WAV file.
func runBench(args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	useStub := fs.Bool("stub", false, "benchmark the deterministic stub model")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: scribe bench -config config.yaml file.wav")
		return 2
	}
	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	pcm, _, err := audio.ReadWAVFile(fs.Arg(0), cfg.Audio.SampleRate)
	if err != nil {
		logger.Error("read audio", "err", err)
		return 1
	}
	eng, err := app.NewEngine(cfg, config.DefaultRegistry(), logger, observe.DefaultMetrics())
	if err != nil {
		logger.Error("build engine", "err", err)
		return 1
	}
	if err := eng.Load(ctx, *useStub || cfg.Model.IsStub()); err != nil {
		logger.Error("load model", "err", err)
		return 1
	}
	defer eng.Unload(ctx)

	samples := audio.PCMToFloat32(pcm)
	rtf, err := eng.BenchmarkRTF(ctx, samples)
	if err != nil {
		logger.Error("benchmark", "err", err)
		return 1
	}
	fmt.Printf("backend:  %s\naudio:    %s\nRTF:      %.2fx real time\n",
		cfg.Model.Backend, audio.Duration(pcm, cfg.Audio.SampleRate).Round(time.Millisecond), rtf)
	return 0
}
