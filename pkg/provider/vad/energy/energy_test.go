package energy_test

import (
	"testing"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/vad"
	"github.com/MrWong99/scribe/pkg/provider/vad/energy"
)

func tone(n int, amp int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.FromSamples(s)
}

func TestClassifier(t *testing.T) {
	t.Parallel()
	c, err := energy.New(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name string
		amp  int16
		want bool
	}{
		{"silence", 0, false},
		{"hiss", 120, false},
		{"voice", 2000, true},
		{"at threshold", 300, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.IsSpeech(tone(320, tt.amp))
			if err != nil {
				t.Fatalf("IsSpeech: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsSpeech(amp=%d) = %v, want %v", tt.amp, got, tt.want)
			}
		})
	}
}

func TestClassifier_WrongFrameSize(t *testing.T) {
	t.Parallel()
	c, err := energy.New(vad.Config{SampleRate: 16000, FrameSizeMs: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.IsSpeech(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	bad := []vad.Config{
		{SampleRate: 0, FrameSizeMs: 20},
		{SampleRate: 16000, FrameSizeMs: 25},
		{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 4},
	}
	for _, cfg := range bad {
		if _, err := (energy.Engine{}).NewClassifier(cfg); err == nil {
			t.Errorf("NewClassifier(%+v): expected error", cfg)
		}
	}
}

func TestAggressivenessRaisesThreshold(t *testing.T) {
	t.Parallel()
	prev := 0.0
	for a := range 4 {
		c, err := energy.New(vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: a})
		if err != nil {
			t.Fatalf("New(aggr=%d): %v", a, err)
		}
		if c.Threshold() <= prev {
			t.Errorf("aggressiveness %d threshold %v not above %v", a, c.Threshold(), prev)
		}
		prev = c.Threshold()
	}
}
