package vadgate_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/scribe/internal/vadgate"
	"github.com/MrWong99/scribe/pkg/provider/vad"
	"github.com/MrWong99/scribe/pkg/provider/vad/mock"
)

type recorder struct {
	starts int
	ends   [][]byte
}

func newGate(t *testing.T, cfg vadgate.Config, c vad.Classifier) (*vadgate.Gate, *recorder) {
	t.Helper()
	rec := &recorder{}
	g, err := vadgate.New(cfg, c,
		vadgate.WithOnSpeechStart(func() { rec.starts++ }),
		vadgate.WithOnSpeechEnd(func(b []byte) { rec.ends = append(rec.ends, b) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, rec
}

var cfg20 = vadgate.Config{SampleRate: 16000, FrameMs: 20, SilenceThresholdMs: 100}

func feed(t *testing.T, g *vadgate.Gate, n int) {
	t.Helper()
	frame := make([]byte, g.BytesPerFrame())
	for i := range n {
		frame[0] = byte(i)
		if err := g.ProcessFrame(frame); err != nil {
			t.Fatalf("ProcessFrame(%d): %v", i, err)
		}
	}
}

func TestSilenceFrames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		frameMs, thresholdMs, want int
	}{
		{20, 100, 5},
		{30, 100, 4},
		{10, 95, 10},
		{30, 0, 1},
		{20, 1, 1},
	}
	for _, tt := range tests {
		c := vadgate.Config{SampleRate: 16000, FrameMs: tt.frameMs, SilenceThresholdMs: tt.thresholdMs}
		if got := c.SilenceFrames(); got != tt.want {
			t.Errorf("SilenceFrames(frame=%d, threshold=%d) = %d, want %d", tt.frameMs, tt.thresholdMs, got, tt.want)
		}
	}
}

func TestNoVoicedFrames_NeverStarts(t *testing.T) {
	t.Parallel()
	g, rec := newGate(t, cfg20, vad.Constant(false))
	feed(t, g, 500)
	if rec.starts != 0 || len(rec.ends) != 0 {
		t.Fatalf("starts=%d ends=%d, want 0/0", rec.starts, len(rec.ends))
	}
	if g.State() != vadgate.Silent {
		t.Errorf("state = %v, want silent", g.State())
	}
}

func TestSingleUtterance_BufferIncludesTrailingSilence(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 3, 17} {
		silence := cfg20.SilenceFrames()
		script := make([]bool, 0, n+silence)
		for range n {
			script = append(script, true)
		}
		for range silence {
			script = append(script, false)
		}
		g, rec := newGate(t, cfg20, &mock.Classifier{Script: script})
		feed(t, g, n+silence)

		if rec.starts != 1 || len(rec.ends) != 1 {
			t.Fatalf("n=%d: starts=%d ends=%d, want 1/1", n, rec.starts, len(rec.ends))
		}
		if want := (n + silence) * g.BytesPerFrame(); len(rec.ends[0]) != want {
			t.Errorf("n=%d: utterance is %d bytes, want %d", n, len(rec.ends[0]), want)
		}
		if g.State() != vadgate.Silent {
			t.Errorf("n=%d: state = %v after end, want silent", n, g.State())
		}
	}
}

func TestShortPause_DoesNotSplit(t *testing.T) {
	t.Parallel()
	// 2 voiced, 4 unvoiced (below the 5-frame run), 2 voiced, 5 unvoiced.
	script := []bool{true, true, false, false, false, false, true, true, false, false, false, false, false}
	g, rec := newGate(t, cfg20, &mock.Classifier{Script: script})
	feed(t, g, len(script))
	if rec.starts != 1 || len(rec.ends) != 1 {
		t.Fatalf("starts=%d ends=%d, want 1/1", rec.starts, len(rec.ends))
	}
	if want := len(script) * g.BytesPerFrame(); len(rec.ends[0]) != want {
		t.Errorf("utterance is %d bytes, want %d", len(rec.ends[0]), want)
	}
}

func TestTwoUtterances(t *testing.T) {
	t.Parallel()
	script := []bool{true, false, false, false, false, false, false, false, true, true, false, false, false, false, false}
	g, rec := newGate(t, cfg20, &mock.Classifier{Script: script})
	feed(t, g, len(script))
	if rec.starts != 2 || len(rec.ends) != 2 {
		t.Fatalf("starts=%d ends=%d, want 2/2", rec.starts, len(rec.ends))
	}
	bpf := g.BytesPerFrame()
	if len(rec.ends[0]) != 6*bpf {
		t.Errorf("first utterance %d bytes, want %d", len(rec.ends[0]), 6*bpf)
	}
	if len(rec.ends[1]) != 7*bpf {
		t.Errorf("second utterance %d bytes, want %d", len(rec.ends[1]), 7*bpf)
	}
	// The handed-off buffers must not alias each other.
	rec.ends[0][0] = 0xAA
	if rec.ends[1][0] == 0xAA {
		t.Error("utterance buffers share storage")
	}
}

func TestWrongFrameLength_AlwaysUsageError(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Default: true}
	g, _ := newGate(t, cfg20, c)
	bpf := g.BytesPerFrame()

	for _, state := range []vadgate.State{vadgate.Silent, vadgate.Speaking} {
		if state == vadgate.Speaking {
			feed(t, g, 1)
		}
		if g.State() != state {
			t.Fatalf("state = %v, want %v", g.State(), state)
		}
		for _, n := range []int{0, 1, bpf - 1, bpf + 1, bpf * 2} {
			err := g.ProcessFrame(make([]byte, n))
			if !errors.Is(err, vadgate.ErrFrameSize) {
				t.Errorf("state %v, len %d: err = %v, want ErrFrameSize", state, n, err)
			}
		}
	}
	// Rejected frames never reach the classifier.
	if got := c.CallCount(); got != 1 {
		t.Errorf("classifier called %d times, want 1", got)
	}
}

func TestClassifierError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	g, rec := newGate(t, cfg20, &mock.Classifier{Err: boom})
	err := g.ProcessFrame(make([]byte, g.BytesPerFrame()))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if rec.starts != 0 {
		t.Errorf("starts = %d, want 0", rec.starts)
	}
}

func TestFlushAndReset(t *testing.T) {
	t.Parallel()
	g, rec := newGate(t, cfg20, &mock.Classifier{Default: true})
	g.Flush()
	if len(rec.ends) != 0 {
		t.Fatal("Flush while silent emitted an utterance")
	}
	feed(t, g, 3)
	g.Flush()
	if len(rec.ends) != 1 || len(rec.ends[0]) != 3*g.BytesPerFrame() {
		t.Fatalf("Flush emitted %d utterances", len(rec.ends))
	}

	feed(t, g, 2)
	g.Reset()
	if g.State() != vadgate.Silent {
		t.Errorf("state after Reset = %v", g.State())
	}
	g.Flush()
	if len(rec.ends) != 1 {
		t.Errorf("Reset should discard buffered speech, got %d utterances", len(rec.ends))
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	bad := []vadgate.Config{
		{SampleRate: 16000, FrameMs: 25, SilenceThresholdMs: 100},
		{SampleRate: 0, FrameMs: 20, SilenceThresholdMs: 100},
		{SampleRate: 16000, FrameMs: 20, SilenceThresholdMs: -1},
	}
	for _, c := range bad {
		if _, err := vadgate.New(c, vad.Constant(false)); err == nil {
			t.Errorf("New(%+v): expected error", c)
		}
	}
	if _, err := vadgate.New(cfg20, nil); err == nil {
		t.Error("New with nil classifier: expected error")
	}
}
