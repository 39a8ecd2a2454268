package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

// helperEnv makes the test binary act as a worker child. Its value selects
// the engine behaviour.
const helperEnv = "SCRIBE_WORKER_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

// exitModel terminates the process on the first transcription.
type exitModel struct{ code int }

func (m exitModel) Transcribe(context.Context, []float32, stt.Options) (stt.Result, error) {
	os.Exit(m.code)
	return stt.Result{}, nil
}

func (exitModel) Close() error { return nil }

func factoryOf(m stt.Model, err error) stt.Factory {
	return func(stt.ModelConfig) (stt.Model, error) { return m, err }
}

// helperHandler builds the handler for a helper mode. The in-process tests
// use the same builder so both modes see identical engines.
func helperHandler(mode string, log *slog.Logger) *Handler {
	base := []engine.Option{engine.WithLogger(log), engine.WithWarmup(false)}
	switch mode {
	case "stub":
		return NewHandler(engine.New(base...), nil, true, log)
	case "slow":
		f := factoryOf(stub.New(stub.WithDelay(300*time.Millisecond)), nil)
		return NewHandler(engine.New(append(base, engine.WithFactory("slow", f, stt.ModelConfig{}))...), nil, false, log)
	case "hang":
		f := factoryOf(stub.New(stub.WithDelay(time.Hour)), nil)
		return NewHandler(engine.New(append(base, engine.WithFactory("hang", f, stt.ModelConfig{}))...), nil, false, log)
	case "slowload":
		f := func(stt.ModelConfig) (stt.Model, error) {
			time.Sleep(2 * time.Second)
			return stub.New(), nil
		}
		return NewHandler(engine.New(append(base, engine.WithFactory("slowload", f, stt.ModelConfig{}))...), nil, false, log)
	case "loadfail":
		f := factoryOf(nil, errors.New("model file missing"))
		return NewHandler(engine.New(append(base, engine.WithFactory("broken", f, stt.ModelConfig{}))...), nil, false, log)
	case "crash":
		f := factoryOf(exitModel{code: 7}, nil)
		return NewHandler(engine.New(append(base, engine.WithFactory("crash", f, stt.ModelConfig{}))...), nil, false, log)
	}
	return nil
}

func runHelper(mode string) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// "panic" leaves the handler nil so Main's crash boundary fires.
	return Main(context.Background(), Params{Handler: helperHandler(mode, log), Logger: log})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// helperWorker returns a process-mode Worker running the test binary in the
// given helper mode. It is stopped on cleanup.
func helperWorker(t *testing.T, mode string, opts ...Option) *Worker {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	base := []Option{
		WithEnv(helperEnv + "=" + mode),
		WithLogger(quietLogger()),
		WithStartTimeout(20 * time.Second),
	}
	w := NewProcess([]string{exe}, append(base, opts...)...)
	t.Cleanup(func() { _ = w.Stop("test cleanup") })
	return w
}

// inProcessWorker returns an in-process Worker with the helper engine.
func inProcessWorker(t *testing.T, mode string, opts ...Option) *Worker {
	t.Helper()
	log := quietLogger()
	w := NewInProcess(helperHandler(mode, log), append([]Option{WithLogger(log)}, opts...)...)
	t.Cleanup(func() { _ = w.Stop("test cleanup") })
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
