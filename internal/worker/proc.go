package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/ipc"
)

// reply is what a pending request receives.
type reply struct {
	resp engine.Response
	err  error
}

// proc is one running child process and its channel pair.
type proc struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
	log  *slog.Logger

	exited  chan struct{}
	exitErr error

	// hello receives the startup announcement (zero ID).
	hello chan reply

	mu      sync.Mutex
	pending map[uuid.UUID]chan reply
	gone    error // set once the response stream ended
}

// spawn starts argv with a fresh pair of pipes as its stdin and stdout. The
// child inherits stderr so its logs reach the parent's output.
func spawn(argv []string, env []string, log *slog.Logger) (*proc, error) {
	if len(argv) == 0 {
		return nil, errors.New("worker: empty command")
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("worker: response pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = reqR
	cmd.Stdout = respW
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		respR.Close()
		respW.Close()
		return nil, fmt.Errorf("worker: spawn %s: %w", argv[0], err)
	}
	// The child holds its own copies; ours would keep the streams open past
	// its exit.
	reqR.Close()
	respW.Close()

	p := &proc{
		cmd:     cmd,
		conn:    ipc.NewConn(respR, reqW, log),
		log:     log.With("pid", cmd.Process.Pid),
		exited:  make(chan struct{}),
		hello:   make(chan reply, 1),
		pending: make(map[uuid.UUID]chan reply),
	}
	p.pending[uuid.Nil] = p.hello
	go p.wait()
	go p.dispatch()
	return p, nil
}

func (p *proc) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

// dispatch routes responses to their callers by ID until the stream ends,
// then fails everything still pending.
func (p *proc) dispatch() {
	for {
		m, err := p.conn.Recv(context.Background(), 0)
		if err != nil {
			p.fail(fmt.Errorf("%w: %w", ErrWorkerCrashed, err))
			return
		}
		if m.Kind != ipc.KindResponse {
			p.log.Warn("worker: unexpected message from child", "kind", m.Kind.String())
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[m.ID]
		delete(p.pending, m.ID)
		p.mu.Unlock()
		if !ok {
			p.log.Warn("worker: dropping response with no waiting caller", "id", m.ID)
			continue
		}
		ch <- reply{resp: m.Response}
	}
}

func (p *proc) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone == nil {
		p.gone = err
	}
	for id, ch := range p.pending {
		ch <- reply{err: p.gone}
		delete(p.pending, id)
	}
}

// register reserves a reply slot for id.
func (p *proc) register(id uuid.UUID) (chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return nil, p.gone
	}
	ch := make(chan reply, 1)
	p.pending[id] = ch
	return ch, nil
}

func (p *proc) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// awaitHello waits for the child to report whether its model loaded.
func (p *proc) awaitHello(ctx context.Context, timeout time.Duration) (engine.Response, error) {
	return p.receive(ctx, uuid.Nil, p.hello, timeout)
}

// call sends m and waits for its response.
func (p *proc) call(ctx context.Context, m ipc.Message, timeout time.Duration) (engine.Response, error) {
	ch, err := p.register(m.ID)
	if err != nil {
		return engine.Response{}, err
	}
	if err := p.conn.Send(m); err != nil {
		p.forget(m.ID)
		return engine.Response{}, fmt.Errorf("%w: %w", ErrWorkerCrashed, err)
	}
	return p.receive(ctx, m.ID, ch, timeout)
}

func (p *proc) receive(ctx context.Context, id uuid.UUID, ch chan reply, timeout time.Duration) (engine.Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-expired:
		p.forget(id)
		return engine.Response{}, ErrTimeout
	case <-ctx.Done():
		p.forget(id)
		return engine.Response{}, ctx.Err()
	}
}

// terminate asks the child to exit, kills it if it does not within grace,
// and releases the pipes.
func (p *proc) terminate(grace time.Duration, reason string, log *slog.Logger) error {
	defer p.conn.Close()

	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.conn.Send(ipc.Shutdown(reason)); err != nil {
		log.Debug("worker: send shutdown", "err", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
		return nil
	case <-t.C:
	}

	log.Warn("worker: process did not exit in time, killing", "grace", grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("worker: kill: %w", err)
	}
	<-p.exited
	return nil
}
