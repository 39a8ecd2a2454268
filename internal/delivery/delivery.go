// Package delivery hands finished transcripts to the configured sinks.
//
// A [Fanout] corrects the raw text against the vocabulary, numbers the
// result and passes it to every [Sink] in order. A failing sink is logged and
// does not stop the others.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcript"
)

// ErrEmpty is returned by Publish for text with nothing but whitespace.
var ErrEmpty = errors.New("delivery: empty transcript")

// Sink receives finished transcripts.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, t transcript.Transcript) error
}

// Input is a raw transcription result.
type Input struct {
	Source transcript.Source
	Text   string
	At     time.Time
	Audio  time.Duration
	Took   time.Duration
}

// Fanout delivers each transcript to all sinks.
type Fanout struct {
	sinks     []Sink
	corrector *transcript.Corrector
	log       *slog.Logger
	metrics   *observe.Metrics
	seq       atomic.Uint64
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithCorrector applies vocabulary correction before delivery.
func WithCorrector(c *transcript.Corrector) FanoutOption {
	return func(f *Fanout) { f.corrector = c }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) FanoutOption {
	return func(f *Fanout) { f.log = l }
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) FanoutOption {
	return func(f *Fanout) { f.metrics = m }
}

// NewFanout returns a Fanout over sinks.
func NewFanout(sinks []Sink, opts ...FanoutOption) *Fanout {
	f := &Fanout{sinks: sinks}
	for _, o := range opts {
		o(f)
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Sinks returns the sink names in delivery order.
func (f *Fanout) Sinks() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish corrects, numbers and delivers in. It returns the delivered
// transcript and the joined errors of every sink that failed.
func (f *Fanout) Publish(ctx context.Context, in Input) (transcript.Transcript, error) {
	raw := strings.TrimSpace(in.Text)
	if raw == "" {
		return transcript.Transcript{}, ErrEmpty
	}
	t := transcript.Transcript{
		Source: in.Source,
		Text:   raw,
		At:     in.At,
		Audio:  in.Audio,
		Took:   in.Took,
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if f.corrector != nil {
		if text, corr := f.corrector.Correct(raw); len(corr) > 0 {
			t.Text, t.Raw, t.Corrections = text, raw, corr
			f.log.Debug("delivery: vocabulary corrections", "count", len(corr))
		}
	}
	t.Seq = f.seq.Add(1)

	var errs []error
	for _, s := range f.sinks {
		if err := s.Deliver(ctx, t); err != nil {
			f.log.Warn("delivery: sink failed", "sink", s.Name(), "seq", t.Seq, "err", err)
			f.metrics.RecordError(ctx, "delivery", s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return t, errors.Join(errs...)
}
