package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/mock"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMockEngine returns an Engine whose real backend is m.
func newMockEngine(m *mock.Model, opts ...Option) *Engine {
	f := func(stt.ModelConfig) (stt.Model, error) { return m, nil }
	opts = append([]Option{WithFactory("mock", f, stt.ModelConfig{}), WithLogger(quietLogger())}, opts...)
	return New(opts...)
}

func second() []float32 { return make([]float32, 16000) }

func TestTranscribeBeforeLoad(t *testing.T) {
	t.Parallel()
	e := New(WithLogger(quietLogger()))
	if _, err := e.TranscribePlain(context.Background(), second()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("TranscribePlain err = %v, want ErrNotLoaded", err)
	}
	if _, _, err := e.TranscribeDetailed(context.Background(), second()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("TranscribeDetailed err = %v, want ErrNotLoaded", err)
	}
}

func TestStubLoadTranscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := New(WithLogger(quietLogger()))
	if err := e.Load(ctx, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !e.Loaded() || !e.Stub() {
		t.Fatalf("Loaded=%v Stub=%v, want both true", e.Loaded(), e.Stub())
	}

	text, err := e.TranscribePlain(ctx, second())
	if err != nil || text != stub.Text {
		t.Fatalf("TranscribePlain = %q, %v; want %q", text, err, stub.Text)
	}

	text, words, err := e.TranscribeDetailed(ctx, second())
	if err != nil || text != stub.DetailedText {
		t.Fatalf("TranscribeDetailed = %q, %v; want %q", text, err, stub.DetailedText)
	}
	n := 0
	for range words {
		n++
	}
	if n != 0 {
		t.Errorf("stub words = %d, want 0", n)
	}
}

func TestUnloadThenLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := New(WithLogger(quietLogger()))
	if err := e.Load(ctx, true); err != nil {
		t.Fatal(err)
	}
	e.Unload(ctx)
	if _, err := e.TranscribePlain(ctx, second()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("after Unload err = %v, want ErrNotLoaded", err)
	}
	if err := e.Load(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.TranscribePlain(ctx, second()); err != nil {
		t.Fatalf("after reload err = %v", err)
	}
}

func TestUnloadIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := &mock.Model{}
	e := newMockEngine(m, WithWarmup(false))
	e.Unload(ctx)
	if err := e.Load(ctx, false); err != nil {
		t.Fatal(err)
	}
	e.Unload(ctx)
	e.Unload(ctx)
	if got := m.Closes(); got != 1 {
		t.Errorf("Close calls = %d, want 1", got)
	}
	if m.ReleaseCallCount != 1 {
		t.Errorf("ReleaseDeviceMemory calls = %d, want 1", m.ReleaseCallCount)
	}
	if e.Loaded() {
		t.Error("Loaded() = true after Unload")
	}
}

func TestLoadRunsWarmup(t *testing.T) {
	t.Parallel()
	m := &mock.Model{Errs: []error{errors.New("cold start")}, Result: stt.Result{Text: "ok"}}
	e := newMockEngine(m)
	if err := e.Load(context.Background(), false); err != nil {
		t.Fatalf("warm-up failure must not fail Load: %v", err)
	}
	if got := m.CallCount(); got != 1 {
		t.Fatalf("warm-up calls = %d, want 1", got)
	}
	if got := m.TranscribeCalls[0].Samples; got != 8000 {
		t.Errorf("warm-up samples = %d, want 8000", got)
	}
	text, err := e.TranscribePlain(context.Background(), second())
	if err != nil || text != "ok" {
		t.Fatalf("TranscribePlain = %q, %v", text, err)
	}
}

func TestLoadSameModeIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	loads := 0
	f := func(stt.ModelConfig) (stt.Model, error) {
		loads++
		return &mock.Model{}, nil
	}
	e := New(WithFactory("mock", f, stt.ModelConfig{}), WithWarmup(false), WithLogger(quietLogger()))
	for range 3 {
		if err := e.Load(ctx, false); err != nil {
			t.Fatal(err)
		}
	}
	if loads != 1 {
		t.Errorf("factory calls = %d, want 1", loads)
	}

	m := &mock.Model{}
	e2 := newMockEngine(m, WithWarmup(false))
	if err := e2.Load(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := e2.Load(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !e2.Stub() {
		t.Error("switching to stub did not take effect")
	}
	if m.Closes() != 1 {
		t.Errorf("real model closes = %d, want 1", m.Closes())
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{name: "no backend", want: ErrLoadFailed},
		{
			name: "factory error",
			opts: []Option{WithFactory("x", func(stt.ModelConfig) (stt.Model, error) {
				return nil, errors.New("missing file")
			}, stt.ModelConfig{})},
			want: ErrLoadFailed,
		},
		{
			name: "oom on load",
			opts: []Option{WithFactory("x", func(stt.ModelConfig) (stt.Model, error) {
				return nil, errors.New("CUDA error: out of memory")
			}, stt.ModelConfig{})},
			want: ErrResourceExhausted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := New(append(tc.opts, WithLogger(quietLogger()))...)
			err := e.Load(context.Background(), false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Load err = %v, want %v", err, tc.want)
			}
			if e.Loaded() {
				t.Error("Loaded() = true after failed Load")
			}
		})
	}
}

func TestTranscribeClassifiesOOM(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name    string
		err     error
		wantOOM bool
	}{
		{"sentinel", stt.ErrOutOfMemory, true},
		{"native message", errors.New("ggml: failed to allocate buffer"), true},
		{"other", errors.New("decode failed"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := &mock.Model{Err: tc.err}
			e := newMockEngine(m, WithWarmup(false))
			if err := e.Load(ctx, false); err != nil {
				t.Fatal(err)
			}
			_, err := e.TranscribePlain(ctx, second())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrResourceExhausted); got != tc.wantOOM {
				t.Errorf("errors.Is(ErrResourceExhausted) = %v, want %v (err=%v)", got, tc.wantOOM, err)
			}
		})
	}
}

func TestTranscribeDetailedWords(t *testing.T) {
	t.Parallel()
	m := &mock.Model{Result: stt.Result{Text: "hi there", Words: []stt.WordDetail{
		{Word: "hi", Start: 0, End: 200 * time.Millisecond},
		{Word: "there", Start: 200 * time.Millisecond, End: 600 * time.Millisecond},
	}}}
	e := newMockEngine(m, WithWarmup(false))
	if err := e.Load(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	text, words, err := e.TranscribeDetailed(context.Background(), second())
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi there" {
		t.Errorf("text = %q", text)
	}
	var got []string
	for w := range words {
		got = append(got, w.Word)
	}
	if len(got) != 2 || got[0] != "hi" || got[1] != "there" {
		t.Errorf("words = %v", got)
	}
	if !m.TranscribeCalls[0].Opts.WordTimestamps {
		t.Error("WordTimestamps not requested")
	}
}

func TestBenchmarkRTF(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Unix(0, 0)
	var ticks time.Duration
	clock := func() time.Time {
		now := base.Add(ticks)
		ticks += 250 * time.Millisecond
		return now
	}
	e := New(WithClock(clock), WithLogger(quietLogger()))
	if err := e.Load(ctx, true); err != nil {
		t.Fatal(err)
	}
	// Four clock reads span 750ms for 3s of audio.
	rtf, err := e.BenchmarkRTF(ctx, make([]float32, 48000))
	if err != nil {
		t.Fatal(err)
	}
	if rtf != 4 {
		t.Errorf("rtf = %v, want 4", rtf)
	}

	frozen := New(WithClock(func() time.Time { return base }), WithLogger(quietLogger()))
	if err := frozen.Load(ctx, true); err != nil {
		t.Fatal(err)
	}
	rtf, err = frozen.BenchmarkRTF(ctx, second())
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(rtf, 1) {
		t.Errorf("rtf = %v, want +Inf", rtf)
	}
}

func TestBenchmarkRTFNotLoaded(t *testing.T) {
	t.Parallel()
	e := New(WithLogger(quietLogger()))
	if _, err := e.BenchmarkRTF(context.Background(), second()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
}
