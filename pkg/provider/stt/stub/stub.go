// Package stub provides a deterministic stt.Model that ignores its input.
//
// The stub lets the worker, facade and windowing layers run end to end
// without a model file or accelerator. Plain transcription always yields
// Text; detailed transcription yields DetailedText and no word timings.
package stub

import (
	"context"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

const (
	// Text is returned for every plain transcription.
	Text = "hello world"

	// DetailedText is returned when word timestamps are requested.
	DetailedText = "hello world (detailed)"
)

// Option configures a Model.
type Option func(*Model)

// WithDelay makes every Transcribe call take at least d, for exercising
// timeouts and concurrency.
func WithDelay(d time.Duration) Option {
	return func(m *Model) { m.delay = d }
}

// Model is the deterministic stub.
type Model struct {
	delay time.Duration
}

// New returns a stub Model.
func New(opts ...Option) *Model {
	m := &Model{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Factory adapts New to stt.Factory.
func Factory(stt.ModelConfig) (stt.Model, error) { return New(), nil }

// Transcribe implements stt.Model.
func (m *Model) Transcribe(ctx context.Context, _ []float32, opts stt.Options) (stt.Result, error) {
	if m.delay > 0 {
		t := time.NewTimer(m.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if opts.WordTimestamps {
		return stt.Result{Text: DetailedText}, nil
	}
	return stt.Result{Text: Text}, nil
}

// Close implements stt.Model.
func (m *Model) Close() error { return nil }

var _ stt.Model = (*Model)(nil)
