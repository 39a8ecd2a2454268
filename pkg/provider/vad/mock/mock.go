// Package mock provides test doubles for the vad package interfaces.
//
// Use Classifier to script a per-frame sequence of speech decisions and to
// inspect the frames that were classified.
//
// Example:
//
//	c := &mock.Classifier{Script: []bool{true, true, false}}
//	gate, _ := vadgate.New(cfg, c)
package mock

import (
	"sync"

	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Script holds the results returned by successive IsSpeech calls. Once it
	// is exhausted Default is returned.
	Script []bool

	// Default is returned after Script runs out.
	Default bool

	// Err, if non-nil, is returned by every IsSpeech call.
	Err error

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte
}

// IsSpeech records the frame and returns the next scripted result.
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.Frames = append(c.Frames, cp)
	if c.Err != nil {
		return false, c.Err
	}
	idx := len(c.Frames) - 1
	if idx < len(c.Script) {
		return c.Script[idx], nil
	}
	return c.Default, nil
}

// CallCount returns the number of IsSpeech calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Classifier is returned by NewClassifier. If nil a fresh Classifier is
	// returned.
	Classifier vad.Classifier

	// NewClassifierErr, if non-nil, is returned from NewClassifier.
	NewClassifierErr error

	// Configs records every Config passed to NewClassifier.
	Configs []vad.Config
}

// NewClassifier records cfg and returns Classifier, NewClassifierErr.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewClassifierErr != nil {
		return nil, e.NewClassifierErr
	}
	if e.Classifier != nil {
		return e.Classifier, nil
	}
	return &Classifier{}, nil
}

var (
	_ vad.Classifier = (*Classifier)(nil)
	_ vad.Engine     = (*Engine)(nil)
)
