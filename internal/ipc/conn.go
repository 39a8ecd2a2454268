package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrTimeout is returned by Recv when no message arrived in time.
	ErrTimeout = errors.New("ipc: receive timed out")

	// ErrClosed is returned once the inbound stream has ended, either
	// because the peer exited or because Close was called.
	ErrClosed = errors.New("ipc: connection closed")
)

// inboxSize bounds how many decoded messages may wait for a receiver before
// the reader stops pulling from the stream.
const inboxSize = 64

// Conn is one end of a message channel pair: it sends on an outbound stream
// and queues messages decoded from an inbound stream.
//
// Send is safe for concurrent use. Recv may be called from several goroutines
// but each message is delivered to exactly one of them.
type Conn struct {
	enc   *Encoder
	out   io.Closer
	in    io.Reader
	inbox chan Message
	done  chan struct{}
	quit  chan struct{}
	log   *slog.Logger

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// NewConn starts reading messages from r and returns a Conn that writes to w.
// If r implements io.Closer it is closed by Close.
func NewConn(r io.Reader, w io.WriteCloser, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		enc:   NewEncoder(w),
		out:   w,
		in:    r,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
		log:   log,
	}
	go c.readLoop()
	return c
}

// Pipe returns two connected Conns backed by in-memory pipes.
func Pipe() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewConn(ar, aw, nil), NewConn(br, bw, nil)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	dec := NewDecoder(c.in)
	for {
		m, err := dec.Decode()
		if err != nil {
			if !cleanEnd(err) {
				c.log.Warn("ipc: inbound stream failed", "err", err)
				c.setErr(err)
			}
			return
		}
		select {
		case c.inbox <- m:
		case <-c.quit:
			return
		}
	}
}

func cleanEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

// Err returns the error that ended the inbound stream, or nil if it ended
// cleanly or is still open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Send encodes m onto the outbound stream.
func (c *Conn) Send(m Message) error {
	if err := c.enc.Encode(m); err != nil {
		if cleanEnd(err) || errors.Is(err, syscall.EPIPE) {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return err
	}
	return nil
}

// Recv returns the next inbound message. A positive timeout bounds the wait
// and yields ErrTimeout; zero waits until ctx is done or the stream ends.
// Messages already queued are still delivered after the stream ends.
func (c *Conn) Recv(ctx context.Context, timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
		}
		if err := c.Err(); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return Message{}, ErrClosed
	case <-expired:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Done is closed when the inbound stream has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the outbound stream and, where possible, the inbound one.
// It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.out.Close()
		if rc, ok := c.in.(io.Closer); ok {
			if cerr := rc.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
