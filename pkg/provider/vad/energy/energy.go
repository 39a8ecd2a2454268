// Package energy implements a dependency-free vad.Classifier that labels a
// frame as speech when its RMS energy exceeds a threshold chosen by the
// configured aggressiveness.
//
// It is far less robust than a trained detector but has no native
// dependencies and behaves deterministically, which makes it the default
// backend for local capture.
package energy

import (
	"fmt"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// thresholds maps aggressiveness 0..3 to RMS thresholds on the int16 scale.
// 300 corresponds to near-silence on a typical headset microphone.
var thresholds = [4]float64{150, 300, 600, 1200}

// Engine creates energy classifiers.
type Engine struct{}

// NewClassifier implements vad.Engine.
func (Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	return New(cfg)
}

// Classifier is an RMS threshold detector.
type Classifier struct {
	frameBytes int
	threshold  float64
}

// New validates cfg and returns a Classifier.
func New(cfg vad.Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		frameBytes: audio.BytesPerFrame(cfg.SampleRate, cfg.FrameSizeMs),
		threshold:  thresholds[cfg.Aggressiveness],
	}, nil
}

// Threshold returns the RMS level above which frames count as speech.
func (c *Classifier) Threshold() float64 { return c.threshold }

// IsSpeech implements vad.Classifier.
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != c.frameBytes {
		return false, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), c.frameBytes)
	}
	return audio.RMS(frame) >= c.threshold, nil
}

var (
	_ vad.Engine     = Engine{}
	_ vad.Classifier = (*Classifier)(nil)
)
