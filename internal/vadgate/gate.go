// Package vadgate turns a stream of fixed-duration PCM frames into utterances.
//
// The Gate is a two-state machine (Silent, Speaking). A voiced frame while
// Silent starts an utterance; the utterance ends once a run of consecutive
// unvoiced frames covers the configured silence threshold. The trailing
// unvoiced frames stay in the emitted buffer.
//
// The frame count for the silence run is computed once at construction, so
// the gate's output depends only on the sequence of classifier decisions and
// never on wall-clock timing. The Gate is not safe for concurrent use; it is
// driven synchronously from the goroutine that reads the audio source.
package vadgate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// ErrFrameSize is returned by ProcessFrame when a frame's length differs from
// the configured frame size. It indicates a caller bug and is never retried.
var ErrFrameSize = errors.New("vadgate: frame length does not match configured frame size")

// State is the gate's current phase.
type State int

const (
	Silent State = iota
	Speaking
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "silent"
}

// Config parameterises a Gate.
type Config struct {
	// SampleRate of the incoming frames in Hz.
	SampleRate int

	// FrameMs is the frame duration: 10, 20 or 30.
	FrameMs int

	// SilenceThresholdMs is how much trailing silence ends an utterance.
	SilenceThresholdMs int
}

// SilenceFrames returns the number of consecutive unvoiced frames that end an
// utterance: ceil(SilenceThresholdMs / FrameMs), at least 1.
func (c Config) SilenceFrames() int {
	if c.FrameMs <= 0 {
		return 1
	}
	n := (c.SilenceThresholdMs + c.FrameMs - 1) / c.FrameMs
	return max(1, n)
}

// Option configures a Gate.
type Option func(*Gate)

// WithOnSpeechStart registers fn to run when an utterance begins.
func WithOnSpeechStart(fn func()) Option {
	return func(g *Gate) { g.onStart = fn }
}

// WithOnSpeechEnd registers fn to receive each completed utterance. The slice
// is handed over to fn; the gate never touches it again.
func WithOnSpeechEnd(fn func(utterance []byte)) Option {
	return func(g *Gate) { g.onEnd = fn }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// Gate is the VAD state machine.
type Gate struct {
	classifier    vad.Classifier
	frameBytes    int
	frameMs       int
	silenceFrames int

	onStart func()
	onEnd   func([]byte)
	log     *slog.Logger

	state      State
	silenceRun int
	buf        []byte
}

// New validates cfg and returns a Gate in the Silent state.
func New(cfg Config, classifier vad.Classifier, opts ...Option) (*Gate, error) {
	if classifier == nil {
		return nil, errors.New("vadgate: classifier must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vadgate: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if !audio.ValidFrameMs(cfg.FrameMs) {
		return nil, fmt.Errorf("vadgate: frame duration must be 10, 20 or 30 ms, got %d", cfg.FrameMs)
	}
	if cfg.SilenceThresholdMs < 0 {
		return nil, fmt.Errorf("vadgate: silence threshold must not be negative, got %d", cfg.SilenceThresholdMs)
	}
	g := &Gate{
		classifier:    classifier,
		frameBytes:    audio.BytesPerFrame(cfg.SampleRate, cfg.FrameMs),
		frameMs:       cfg.FrameMs,
		silenceFrames: cfg.SilenceFrames(),
		onStart:       func() {},
		onEnd:         func([]byte) {},
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// BytesPerFrame returns the exact frame length ProcessFrame accepts.
func (g *Gate) BytesPerFrame() int { return g.frameBytes }

// SilenceFrames returns the unvoiced run length that ends an utterance.
func (g *Gate) SilenceFrames() int { return g.silenceFrames }

// State returns the current state.
func (g *Gate) State() State { return g.state }

// ProcessFrame classifies one frame and advances the state machine, invoking
// the start/end callbacks synchronously when a transition fires.
func (g *Gate) ProcessFrame(frame []byte) error {
	if len(frame) != g.frameBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), g.frameBytes)
	}
	voiced, err := g.classifier.IsSpeech(frame)
	if err != nil {
		return fmt.Errorf("vadgate: classify frame: %w", err)
	}

	switch g.state {
	case Silent:
		if !voiced {
			return nil
		}
		g.state = Speaking
		g.silenceRun = 0
		g.log.Debug("vadgate: speech start")
		g.onStart()
		g.buf = append(g.buf, frame...)

	case Speaking:
		g.buf = append(g.buf, frame...)
		if voiced {
			g.silenceRun = 0
			return nil
		}
		g.silenceRun++
		if g.silenceRun >= g.silenceFrames {
			g.emit()
		}
	}
	return nil
}

// Flush ends an in-progress utterance immediately, delivering whatever has
// been buffered. It is a no-op while Silent. Use it when the source ends.
func (g *Gate) Flush() {
	if g.state == Speaking {
		g.emit()
	}
}

// Reset discards any buffered speech and returns to Silent without invoking
// callbacks.
func (g *Gate) Reset() {
	g.state = Silent
	g.silenceRun = 0
	g.buf = nil
}

func (g *Gate) emit() {
	utt := g.buf
	g.buf = nil
	g.state = Silent
	g.silenceRun = 0
	g.log.Debug("vadgate: speech end",
		"bytes", len(utt),
		"duration_ms", len(utt)/g.frameBytes*g.frameMs,
	)
	g.onEnd(utt)
}
