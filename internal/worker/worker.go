// Package worker runs the inference engine behind a process boundary.
//
// A [Worker] is the caller-facing facade. In process mode it spawns a child
// (normally `scribe worker`) and talks to it over the [ipc] protocol on the
// child's stdin and stdout, so a crashing or leaking model never takes the
// caller down and killing the child reclaims all model memory. In in-process
// mode it drives an [engine.Engine] directly; responses have the same shape
// in both modes.
//
// The child side lives in [Main] and [Serve]. [Supervisor] restarts a
// crashed child.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/ipc"
	"github.com/MrWong99/scribe/internal/observe"
)

var (
	// ErrTimeout is returned when no response arrived within the request
	// timeout. It also matches ipc.ErrTimeout.
	ErrTimeout = fmt.Errorf("worker: %w", ipc.ErrTimeout)

	// ErrWorkerCrashed is returned when the worker process went away, or the
	// worker was stopped, before answering.
	ErrWorkerCrashed = errors.New("worker: process exited without responding")

	// ErrNotRunning is returned for requests on a worker that is not started.
	ErrNotRunning = errors.New("worker: not running")

	// ErrBusy is returned by Start while another Start or a Stop is in
	// progress.
	ErrBusy = errors.New("worker: start or stop in progress")

	// ErrStartAborted is returned by a Start that a concurrent Stop
	// interrupted.
	ErrStartAborted = errors.New("worker: start aborted by stop")

	// ErrStopTimeout is returned by an in-process Stop when the engine did
	// not let go of its model within the stop timeout.
	ErrStopTimeout = errors.New("worker: engine busy past the stop timeout")
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultStartTimeout = 2 * time.Minute
)

// Mode selects how a Worker runs the engine.
type Mode int

const (
	// ModeProcess runs the engine in a child process.
	ModeProcess Mode = iota

	// ModeInProcess runs the engine in the caller's process.
	ModeInProcess
)

func (m Mode) String() string {
	if m == ModeInProcess {
		return "inprocess"
	}
	return "process"
}

// State is the lifecycle state of a Worker.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithStopTimeout bounds how long Stop waits for a graceful exit before
// killing the child, or for the in-process engine to unload. Default: 10s.
func WithStopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.stopTimeout = d }
}

// WithStartTimeout bounds how long Start waits for the child to load its
// model. Default: 2m.
func WithStartTimeout(d time.Duration) Option {
	return func(w *Worker) { w.startTimeout = d }
}

// WithEnv adds environment entries ("KEY=value") to the child.
func WithEnv(env ...string) Option {
	return func(w *Worker) { w.env = append(w.env, env...) }
}

// Worker is the facade over one engine instance. All methods are safe for
// concurrent use; concurrent requests are pipelined to the child and answered
// by ID.
type Worker struct {
	mode         Mode
	argv         []string
	env          []string
	handler      *Handler
	stopTimeout  time.Duration
	startTimeout time.Duration
	log          *slog.Logger
	metrics      *observe.Metrics

	mu          sync.Mutex
	state       State
	proc        *proc
	exited      chan struct{} // closed when the current run ends, replaced on Start
	crashed     bool
	cancelStart context.CancelFunc
	started     chan struct{} // closed when the Start in flight returns

	loaded atomic.Bool
}

// NewProcess returns a Worker that runs argv as its child. The child must
// speak the ipc protocol on stdin and stdout, as [Main] does.
func NewProcess(argv []string, opts ...Option) *Worker {
	w := newWorker(ModeProcess, opts)
	w.argv = argv
	return w
}

// NewInProcess returns a Worker that drives h directly.
func NewInProcess(h *Handler, opts ...Option) *Worker {
	w := newWorker(ModeInProcess, opts)
	w.handler = h
	return w
}

// NewStubInProcess is a convenience for tests and benchmarks: an in-process
// worker around a fresh stub engine.
func NewStubInProcess(opts ...Option) *Worker {
	w := newWorker(ModeInProcess, opts)
	w.handler = NewHandler(engine.New(engine.WithLogger(w.log), engine.WithMetrics(w.metrics)), nil, true, w.log)
	return w
}

func newWorker(mode Mode, opts []Option) *Worker {
	w := &Worker{
		mode:         mode,
		stopTimeout:  defaultStopTimeout,
		startTimeout: defaultStartTimeout,
		exited:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	w.log = w.log.With("worker_mode", mode.String())
	return w
}

// Mode returns the worker's mode.
func (w *Worker) Mode() Mode { return w.mode }

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Running reports whether the worker accepts requests.
func (w *Worker) Running() bool { return w.State() == StateRunning }

// ModelLoaded reports whether the engine held a model after the most recent
// request.
func (w *Worker) ModelLoaded() bool { return w.loaded.Load() }

// Crashed reports whether the last run ended because the child exited
// without being asked to.
func (w *Worker) Crashed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.crashed
}

// Exited returns a channel closed when the current run ends, whether by Stop
// or by the child dying. A Worker that was never started returns a channel
// that stays open until the first run ends.
func (w *Worker) Exited() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

// Start brings the worker up. It is a no-op while already running and fails
// with ErrBusy while another Start or a Stop is in progress. The model loads
// without the worker lock held, so State and Stop stay responsive; a Stop
// arriving meanwhile aborts the start and Start returns ErrStartAborted.
//
// In process mode Start spawns a fresh child and waits for it to report that
// its model loaded; a load failure stops the child and is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRunning:
		w.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: worker is %s", ErrBusy, st)
	}
	prev, prevExited, prevCrashed := w.state, w.exited, w.crashed
	if prev == StateStopped {
		w.exited = make(chan struct{})
	}
	w.crashed = false
	w.state = StateStarting
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancelStart, w.started = cancel, done
	w.mu.Unlock()
	defer close(done)
	defer cancel()

	p, loaded, err := w.launch(ctx)

	w.mu.Lock()
	aborted := w.state != StateStarting || w.started != done
	switch {
	case aborted:
	case err != nil:
		w.state, w.exited, w.crashed = prev, prevExited, prevCrashed
		w.cancelStart = nil
	default:
		w.state = StateRunning
		w.proc = p
		w.loaded.Store(loaded)
		w.cancelStart = nil
		if p != nil {
			go w.watch(p, w.exited)
		}
	}
	w.mu.Unlock()

	switch {
	case aborted:
		if err == nil {
			_ = w.release(p, "start aborted")
		}
		return ErrStartAborted
	case err != nil:
		return err
	case p != nil:
		w.log.Info("worker: started", "pid", p.cmd.Process.Pid)
	default:
		w.log.Info("worker: started")
	}
	return nil
}

// launch loads the in-process engine, or spawns a child and waits for its
// hello. A child that does not come up is terminated before launch returns.
func (w *Worker) launch(ctx context.Context) (*proc, bool, error) {
	if w.mode == ModeInProcess {
		if err := w.handler.Load(ctx); err != nil {
			return nil, false, err
		}
		return nil, w.handler.Engine().Loaded(), nil
	}

	p, err := spawn(w.argv, w.env, w.log)
	if err != nil {
		return nil, false, err
	}
	hello, err := p.awaitHello(ctx, w.startTimeout)
	if err == nil && !hello.OK {
		err = hello.Err()
	}
	if err != nil {
		p.terminate(w.stopTimeout, "startup failed", w.log)
		return nil, false, fmt.Errorf("worker: start: %w", err)
	}
	return p, hello.Loaded, nil
}

// release tears down what launch brought up: the child in process mode, the
// loaded model otherwise.
func (w *Worker) release(p *proc, reason string) error {
	if p != nil {
		return p.terminate(w.stopTimeout, reason, w.log)
	}
	if w.mode == ModeInProcess {
		return w.unload()
	}
	return nil
}

// unload releases the in-process model. The engine finishes a transcription
// in flight before it unloads, so the wait is bounded by the stop timeout and
// the unload completes in the background after that.
func (w *Worker) unload() error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.handler.Engine().Unload(context.Background())
	}()
	t := time.NewTimer(w.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.log.Warn("worker: engine still busy at stop timeout", "timeout", w.stopTimeout)
		return ErrStopTimeout
	}
}

// watch marks the worker stopped when the child exits unexpectedly.
func (w *Worker) watch(p *proc, exited chan struct{}) {
	<-p.exited
	w.mu.Lock()
	if w.proc == p {
		if w.state == StateRunning {
			w.log.Error("worker: process exited unexpectedly", "err", p.exitErr)
			w.metrics.RecordError(context.Background(), "worker", "crashed")
		}
		w.proc = nil
		w.state = StateStopped
		w.crashed = true
		w.loaded.Store(false)
	}
	closeOnce(exited)
	w.mu.Unlock()
}

// Stop shuts the worker down. In process mode it sends Shutdown, waits up to
// the stop timeout and then kills the child; in-process it unloads the model,
// giving up with ErrStopTimeout after the stop timeout. Pending requests fail
// with ErrWorkerCrashed. A Stop during Start aborts the start.
//
// Stop is idempotent and safe on a worker that was never started. Stopping a
// crashed worker clears Crashed, so a [Supervisor] does not bring it back.
func (w *Worker) Stop(reason string) error {
	w.mu.Lock()
	switch w.state {
	case StateStarting:
		cancel, done, exited := w.cancelStart, w.started, w.exited
		w.state = StateStopping
		w.cancelStart = nil
		w.mu.Unlock()

		cancel()
		err := w.awaitAborted(done)
		w.finishStop(exited, reason)
		return err
	case StateStopped:
		w.crashed = false
		w.mu.Unlock()
		return nil
	case StateNotStarted, StateStopping:
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	p := w.proc
	w.proc = nil
	exited := w.exited
	w.mu.Unlock()

	err := w.release(p, reason)
	w.finishStop(exited, reason)
	return err
}

// awaitAborted waits for an aborted Start to clean up. A child is gone
// within the stop timeout; an in-process load cannot be interrupted, so it
// is left to finish on its own after the same timeout.
func (w *Worker) awaitAborted(done <-chan struct{}) error {
	if w.mode == ModeProcess {
		<-done
		return nil
	}
	t := time.NewTimer(w.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.log.Warn("worker: model still loading at stop timeout", "timeout", w.stopTimeout)
		return ErrStopTimeout
	}
}

func (w *Worker) finishStop(exited chan struct{}, reason string) {
	w.mu.Lock()
	w.state = StateStopped
	w.loaded.Store(false)
	closeOnce(exited)
	w.mu.Unlock()
	w.log.Info("worker: stopped", "reason", reason)
}

// Transcribe sends pcm for transcription and waits up to timeout for the
// answer. A negative engine outcome is returned as a Response with OK false
// and a nil error; errors are reserved for transport problems
// (ErrTimeout, ErrWorkerCrashed, ErrNotRunning, ctx errors).
func (w *Worker) Transcribe(ctx context.Context, pcm []byte, timeout time.Duration) (engine.Response, error) {
	return w.call(ctx, ipc.Transcribe(pcm), timeout)
}

// TranscribeText is Transcribe with negative responses converted to errors.
func (w *Worker) TranscribeText(ctx context.Context, pcm []byte, timeout time.Duration) (string, error) {
	resp, err := w.Transcribe(ctx, pcm, timeout)
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// UnloadModel asks the engine to release its model.
func (w *Worker) UnloadModel(ctx context.Context, timeout time.Duration) (engine.Response, error) {
	return w.call(ctx, ipc.UnloadModel(), timeout)
}

// LoadModel asks the engine to (re)acquire its model.
func (w *Worker) LoadModel(ctx context.Context, timeout time.Duration) (engine.Response, error) {
	return w.call(ctx, ipc.LoadModel(), timeout)
}

func (w *Worker) call(ctx context.Context, m ipc.Message, timeout time.Duration) (resp engine.Response, err error) {
	kind := m.Kind.String()
	ctx, span := observe.StartSpan(ctx, "worker."+kind)
	w.metrics.InflightRequests.Add(ctx, 1)
	defer func() {
		w.metrics.InflightRequests.Add(ctx, -1)
		w.metrics.RecordWorkerRequest(ctx, kind, requestStatus(resp, err))
		observe.EndSpan(span, err)
	}()

	w.mu.Lock()
	state, p, exited := w.state, w.proc, w.exited
	w.mu.Unlock()
	if state != StateRunning {
		return engine.Response{}, ErrNotRunning
	}

	if w.mode == ModeInProcess {
		resp, err = w.callInProcess(ctx, m, timeout, exited)
	} else {
		resp, err = p.call(ctx, m, timeout)
	}
	if err != nil {
		return engine.Response{}, err
	}
	w.loaded.Store(resp.Loaded)
	return resp, nil
}

// callInProcess runs the handler on its own goroutine so the timeout applies
// exactly as it does across the process boundary. A late result is dropped.
// A Stop that ends the run fails the call unless its answer is already there.
func (w *Worker) callInProcess(ctx context.Context, m ipc.Message, timeout time.Duration, exited <-chan struct{}) (engine.Response, error) {
	done := make(chan engine.Response, 1)
	go func() { done <- w.handler.Handle(context.WithoutCancel(ctx), m) }()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case resp := <-done:
		return resp, nil
	case <-expired:
		return engine.Response{}, ErrTimeout
	case <-ctx.Done():
		return engine.Response{}, ctx.Err()
	case <-exited:
		select {
		case resp := <-done:
			return resp, nil
		default:
			return engine.Response{}, ErrWorkerCrashed
		}
	}
}

func requestStatus(resp engine.Response, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWorkerCrashed):
		return "crashed"
	case err != nil:
		return "error"
	case !resp.OK:
		return string(resp.Code)
	}
	return "ok"
}

// closeOnce must be called with w.mu held.
func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

