package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/delivery"
	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/monitor"
	"github.com/MrWong99/scribe/internal/spool"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/internal/worker"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/audio/source"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// testConfig returns a defaulted config whose gate closes an utterance after
// three silent 30 ms frames.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Audio.Source = config.SourceStdin
	cfg.Audio.SilenceThresholdMs = 90
	cfg.Worker.Mode = config.WorkerInProcess
	off := false
	cfg.Spool.Enabled = &off
	cfg.ApplyDefaults()
	return cfg
}

// spoolConfig is testConfig with the spool in a fresh temp directory.
func spoolConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig()
	on := true
	cfg.Spool.Enabled = &on
	cfg.Spool.Dir = filepath.Join(t.TempDir(), "spool")
	return cfg
}

type recordSink struct {
	mu  sync.Mutex
	got []transcript.Transcript
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Deliver(_ context.Context, t transcript.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

func (r *recordSink) transcripts() []transcript.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Transcript(nil), r.got...)
}

// speech returns n loud 30 ms frames followed by m silent ones.
func speech(n, m int) []byte {
	frame := audio.BytesPerFrame(16000, 30)
	loud := make([]int16, frame/2)
	for i := range loud {
		loud[i] = 8000
	}
	var out []byte
	for range n {
		out = append(out, audio.FromSamples(loud)...)
	}
	return append(out, make([]byte, m*frame)...)
}

func newTestApp(t *testing.T, cfg *config.Config, src source.Source, sink *recordSink, opts ...Option) *App {
	t.Helper()
	log := quietLogger()
	opts = append([]Option{
		WithLogger(log),
		WithWorker(worker.NewStubInProcess(worker.WithLogger(log))),
		WithSource(src),
		WithSinks(sink),
	}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func TestRunTranscribesEachUtterance(t *testing.T) {
	t.Parallel()
	stream := append(speech(10, 5), speech(10, 5)...)
	sink := &recordSink{}
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(stream)), sink)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sink.transcripts()
	if len(got) != 2 {
		t.Fatalf("delivered %d transcripts, want 2", len(got))
	}
	for i, tr := range got {
		if tr.Seq != uint64(i+1) || tr.Text != stub.Text || tr.Source != transcript.SourceLive {
			t.Errorf("transcript %d = %+v", i, tr)
		}
		// 10 voiced frames plus the 3 silent frames that closed the utterance.
		if want := 13 * 30 * time.Millisecond; tr.Audio != want {
			t.Errorf("transcript %d audio = %v, want %v", i, tr.Audio, want)
		}
	}
}

func TestSpoolReleasesDeliveredUtterances(t *testing.T) {
	t.Parallel()
	cfg := spoolConfig(t)
	stream := append(speech(10, 5), speech(10, 5)...)
	sink := &recordSink{}
	a := newTestApp(t, cfg, source.NewReader(bytes.NewReader(stream)), sink)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.transcripts(); len(got) != 2 {
		t.Fatalf("delivered %d transcripts, want 2", len(got))
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(cfg.Spool.Dir); !os.IsNotExist(err) {
		t.Fatalf("spool dir after a clean run: Stat err = %v, want not-exist", err)
	}
}

func TestSpoolKeepsUntranscribedUtterances(t *testing.T) {
	t.Parallel()
	cfg := spoolConfig(t)
	cfg.Worker.RequestTimeout = 20 * time.Millisecond

	log := quietLogger()
	slow := func(stt.ModelConfig) (stt.Model, error) { return stub.New(stub.WithDelay(500 * time.Millisecond)), nil }
	eng := engine.New(engine.WithLogger(log), engine.WithWarmup(false), engine.WithFactory("slow", slow, stt.ModelConfig{}))
	w := worker.NewInProcess(worker.NewHandler(eng, nil, false, log), worker.WithLogger(log))

	utt := speech(10, 5)
	sink := &recordSink{}
	a := newTestApp(t, cfg, source.NewReader(bytes.NewReader(utt)), sink, WithWorker(w))
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := sink.transcripts(); len(got) != 0 {
		t.Fatalf("delivered %d transcripts, want 0", len(got))
	}

	pcm, n, err := spool.New(cfg.Spool.Dir, spool.WithLogger(log)).Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	// 10 voiced frames plus the 3 silent frames that closed the utterance.
	if want := 13 * audio.BytesPerFrame(16000, 30); n != 1 || len(pcm) != want {
		t.Fatalf("recovered %d bytes from %d chunks, want %d from 1", len(pcm), n, want)
	}
}

func TestRunFlushesUtteranceAtEndOfSource(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(speech(4, 0))), sink)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.transcripts(); len(got) != 1 {
		t.Fatalf("delivered %d transcripts, want 1", len(got))
	}
}

func TestRunDiscardsAudioWhileNotListening(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(speech(10, 5))), sink)
	a.SetListening(false)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.transcripts(); len(got) != 0 {
		t.Fatalf("delivered %d transcripts while paused", len(got))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()
	a := newTestApp(t, testConfig(), source.NewReader(pr), &recordSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "worker running", a.Worker().Running)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitorUnloadsUnderPressure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Monitor.Enabled = true
	cfg.Monitor.Interval = 10 * time.Millisecond
	pr, pw := io.Pipe()
	defer pw.Close()
	gauge := monitor.GaugeFunc(func(context.Context) (float64, error) { return 100, nil })
	a := newTestApp(t, cfg, source.NewReader(pr), &recordSink{}, WithGauge(gauge))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "worker running", a.Worker().Running)
	waitFor(t, "model unloaded", func() bool { return !a.Worker().ModelLoaded() })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHandlerListeningToggle(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(nil)), &recordSink{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	state := func(method, query string) (int, bool) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+"/listening"+query, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var s listeningState
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
		return resp.StatusCode, s.Listening
	}

	if code, on := state(http.MethodGet, ""); code != http.StatusOK || !on {
		t.Fatalf("GET = %d %v, want 200 true", code, on)
	}
	if code, on := state(http.MethodPost, ""); code != http.StatusOK || on {
		t.Fatalf("POST toggle = %d %v, want 200 false", code, on)
	}
	if code, on := state(http.MethodPost, "?on=true"); code != http.StatusOK || !on {
		t.Fatalf("POST on=true = %d %v, want 200 true", code, on)
	}
	if code, _ := state(http.MethodPost, "?on=maybe"); code != http.StatusBadRequest {
		t.Fatalf("POST on=maybe = %d, want 400", code)
	}
	if !a.Listening() {
		t.Fatal("bad request changed the listening state")
	}
}

func TestHandlerHealthAndMetrics(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(nil)), &recordSink{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before start = %d, want 503", code)
	}
	if err := a.Worker().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if code := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after start = %d, want 200", code)
	}
	if code := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}
}

func TestApplyConfigHotFields(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	sink := &recordSink{}
	a := newTestApp(t, testConfig(), source.NewReader(bytes.NewReader(nil)), sink, WithLevel(&level))

	old := testConfig()
	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Output.Vocabulary = []string{"Grafana"}
	a.applyConfig(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	tr, err := a.fanout.Publish(context.Background(), delivery.Input{Text: "open grafanna"})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text != "open Grafana" {
		t.Fatalf("reloaded vocabulary not applied: %q", tr.Text)
	}
}

func TestNewWorkerProcessNeedsConfigPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Worker.Mode = config.WorkerProcess
	_, err := NewWorker(cfg, "", config.DefaultRegistry(), quietLogger(), nil)
	if !errors.Is(err, ErrNoConfigPath) {
		t.Fatalf("NewWorker = %v, want ErrNoConfigPath", err)
	}

	argv, err := WorkerArgv("/usr/bin/scribe", "/etc/scribe.yaml")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/usr/bin/scribe", "worker", "-config", "/etc/scribe.yaml"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}
}

func TestNewHandlerUnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Model.Backend = config.BackendWhisperNative
	_, err := NewHandler(cfg, config.NewRegistry(), quietLogger(), nil, false)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("NewHandler = %v, want ErrBackendNotRegistered", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
