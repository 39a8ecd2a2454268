// Package vad defines the frame-level voice classifier consumed by the VAD
// gate.
//
// A Classifier answers one question per PCM frame: is this voiced? It keeps
// no utterance state of its own; turning a stream of per-frame decisions into
// utterance boundaries is the gate's job (see internal/vadgate). Backends are
// created through an Engine so that the gate can be constructed from
// configuration without knowing which detector is in use.
//
// Classifiers are called synchronously on the audio path and must not block.
// A single Classifier is not required to be safe for concurrent use.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a classifier.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to IsSpeech. Common values: 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds: 10, 20
	// or 30.
	FrameSizeMs int

	// Aggressiveness trades recall for precision, 0 (least aggressive about
	// filtering non-speech) to 3 (most aggressive).
	Aggressiveness int
}

// Validate reports whether cfg is usable by every backend.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs != 10 && c.FrameSizeMs != 20 && c.FrameSizeMs != 30 {
		errs = append(errs, fmt.Errorf("frame_ms must be 10, 20 or 30, got %d", c.FrameSizeMs))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("aggressiveness must be in [0,3], got %d", c.Aggressiveness))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("vad: invalid config: %w", err)
	}
	return nil
}

// Classifier labels single PCM frames as speech or non-speech.
type Classifier interface {
	// IsSpeech reports whether frame contains voice. The frame is raw
	// little-endian int16 mono PCM at the configured rate and frame size.
	// An error means the classifier could not evaluate the frame; callers
	// treat it as a usage fault, not as silence.
	IsSpeech(frame []byte) (bool, error)
}

// Engine builds classifiers. Implementations must be safe for concurrent use.
type Engine interface {
	NewClassifier(cfg Config) (Classifier, error)
}

// Constant is a Classifier that always returns the same answer. Constant(false)
// is the inert classifier used when no detector is configured.
type Constant bool

// IsSpeech implements Classifier.
func (c Constant) IsSpeech([]byte) (bool, error) { return bool(c), nil }

var _ Classifier = Constant(false)
