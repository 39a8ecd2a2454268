// Package batch transcribes long recordings in fixed-size windows.
//
// A [Windower] numbers each submitted slice, transcribes slices concurrently
// on a bounded pool and reassembles their text in sequence order. A [Slicer]
// cuts a continuous PCM stream into windows and feeds a Windower as the
// recording grows.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/scribe/internal/observe"
)

var (
	// ErrSliceTimeout is wrapped in a SliceError when a slice did not finish
	// within the per-slice timeout.
	ErrSliceTimeout = errors.New("batch: slice timed out")

	// ErrClosed is returned by SubmitSlice and Finalise after Close.
	ErrClosed = errors.New("batch: windower closed")
)

// SliceError names the slice that made a batch fail.
type SliceError struct {
	Seq int
	Err error
}

func (e *SliceError) Error() string {
	return fmt.Sprintf("batch: slice %d: %v", e.Seq, e.Err)
}

func (e *SliceError) Unwrap() error { return e.Err }

// Transcriber turns one slice of PCM into text. *worker.Worker implements it.
type Transcriber interface {
	TranscribeText(ctx context.Context, pcm []byte, timeout time.Duration) (string, error)
}

// stopper is implemented by transcribers that own a process.
type stopper interface {
	Stop(reason string) error
}

// DefaultMaxWorkers is the pool size used when none is configured.
const DefaultMaxWorkers = 4

// Option configures a Windower.
type Option func(*Windower)

// WithMaxWorkers bounds the number of concurrent transcriptions.
func WithMaxWorkers(n int) Option {
	return func(w *Windower) {
		if n > 0 {
			w.maxWorkers = n
		}
	}
}

// WithRequestTimeout sets the timeout passed to each Transcriber call. Zero
// (the default) leaves the wait to Finalise.
func WithRequestTimeout(d time.Duration) Option {
	return func(w *Windower) { w.requestTimeout = d }
}

// WithSharedTranscriber leaves the Transcriber running on Close, for one
// that outlives the Windower.
func WithSharedTranscriber() Option {
	return func(w *Windower) { w.shared = true }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Windower) { w.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Windower) { w.metrics = m }
}

// slot is the pending result of one slice.
type slot struct {
	seq  int
	done chan struct{}
	text string
	err  error
}

// Windower dispatches numbered slices and reassembles their transcripts. It
// is safe for concurrent use, though sequence numbers follow the order in
// which SubmitSlice calls acquire the internal lock.
type Windower struct {
	tr             Transcriber
	sem            *semaphore.Weighted
	maxWorkers     int
	requestTimeout time.Duration
	shared         bool
	log            *slog.Logger
	metrics        *observe.Metrics

	mu          sync.Mutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	batchCtx    context.Context
	batchCancel context.CancelFunc
	slots       []*slot
}

// New returns a Windower sending slices to tr.
func New(tr Transcriber, opts ...Option) *Windower {
	w := &Windower{tr: tr, maxWorkers: DefaultMaxWorkers}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	w.sem = semaphore.NewWeighted(int64(w.maxWorkers))
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.batchCtx, w.batchCancel = context.WithCancel(w.ctx)
	return w
}

// SubmitSlice queues pcm for transcription and returns its sequence number.
// Numbers start at 0 and increase by one per slice until Finalise. It never
// waits for a free worker.
func (w *Windower) SubmitSlice(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	s := &slot{seq: len(w.slots), done: make(chan struct{})}
	w.slots = append(w.slots, s)
	go w.run(w.batchCtx, s, pcm)
	w.log.Debug("batch: slice submitted", "seq", s.seq, "bytes", len(pcm))
	return s.seq, nil
}

func (w *Windower) run(ctx context.Context, s *slot, pcm []byte) {
	defer close(s.done)
	if err := w.sem.Acquire(ctx, 1); err != nil {
		s.err = err
		return
	}
	defer w.sem.Release(1)
	s.text, s.err = w.tr.TranscribeText(ctx, pcm, w.requestTimeout)
	if s.err != nil {
		w.log.Warn("batch: slice failed", "seq", s.seq, "err", s.err)
	}
}

// Pending returns the number of slices submitted since the last Finalise.
func (w *Windower) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

// Finalise waits for every submitted slice in sequence order and joins their
// text with single spaces. Each slice gets up to timeoutPerSlice from the
// moment Finalise starts waiting on it. The first slice that fails or times
// out aborts the batch with a *SliceError; no partial transcript is returned.
//
// Finalise ends the batch either way: the next SubmitSlice starts again at
// sequence 0.
func (w *Windower) Finalise(timeoutPerSlice time.Duration) (string, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", ErrClosed
	}
	slots := w.slots
	cancel := w.batchCancel
	w.slots = nil
	w.batchCtx, w.batchCancel = context.WithCancel(w.ctx)
	w.mu.Unlock()
	defer cancel()

	ctx := context.Background()
	texts := make([]string, 0, len(slots))
	for _, s := range slots {
		if err := wait(s, timeoutPerSlice); err != nil {
			w.metrics.RecordBatchSlice(ctx, "failed")
			w.log.Error("batch: aborting", "seq", s.seq, "slices", len(slots), "err", err)
			return "", &SliceError{Seq: s.seq, Err: err}
		}
		w.metrics.RecordBatchSlice(ctx, "ok")
		texts = append(texts, s.text)
	}
	w.log.Info("batch: finalised", "slices", len(slots))
	return strings.Join(texts, " "), nil
}

func wait(s *slot, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-s.done:
		return s.err
	case <-expired:
		return ErrSliceTimeout
	}
}

// Close abandons outstanding slices and releases the pool without waiting
// for them. A Transcriber that can be stopped, such as a *worker.Worker, is
// stopped too unless WithSharedTranscriber was given. Close is idempotent.
func (w *Windower) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	abandoned := len(w.slots)
	w.slots = nil
	w.mu.Unlock()

	w.cancel()
	if abandoned > 0 {
		w.log.Warn("batch: closed with pending slices", "abandoned", abandoned)
	}
	if st, ok := w.tr.(stopper); ok && !w.shared {
		return st.Stop("batch windower closed")
	}
	return nil
}
