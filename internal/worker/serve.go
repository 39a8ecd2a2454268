package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/ipc"
)

// Exit codes of the worker process.
const (
	ExitOK        = 0
	ExitLoadFail  = 1
	ExitCrash     = 2
	ExitTransport = 3
)

// Serve answers requests from conn until a Shutdown arrives, the stream ends
// or ctx is cancelled. A failing request never stops the loop; only
// transport errors are returned.
func Serve(ctx context.Context, conn *ipc.Conn, h *Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		m, err := conn.Recv(ctx, 0)
		if err != nil {
			if errors.Is(err, ipc.ErrClosed) && conn.Err() == nil {
				log.Info("worker: request stream closed")
				return nil
			}
			return err
		}

		switch m.Kind {
		case ipc.KindShutdown:
			if m.HasReason {
				log.Info("worker: shutdown requested", "reason", m.Reason)
			} else {
				log.Info("worker: shutdown requested")
			}
			return nil
		case ipc.KindResponse:
			log.Warn("worker: ignoring unexpected response message", "id", m.ID)
			continue
		}

		log.Debug("worker: request", "kind", m.Kind.String(), "id", m.ID, "bytes", len(m.Audio))
		resp := h.Handle(ctx, m)
		if err := conn.Send(ipc.Reply(m.ID, resp)); err != nil {
			return fmt.Errorf("worker: send response: %w", err)
		}
	}
}

// Params configures Main.
type Params struct {
	Handler *Handler

	// In and Out carry requests and responses. Defaults: os.Stdin, os.Stdout.
	In  io.Reader
	Out io.WriteCloser

	Logger *slog.Logger
}

// Main is the worker process entry point. It loads the model, announces the
// outcome with a Response whose ID is the zero UUID, serves requests and
// returns the process exit code. A panic anywhere in Main is logged with its
// stack and turned into ExitCrash.
func Main(ctx context.Context, p Params) (code int) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "worker", "pid", os.Getpid())
	defer func() {
		if r := recover(); r != nil {
			log.Error("crash", "panic", r, "stack", string(debug.Stack()))
			code = ExitCrash
		}
	}()

	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	conn := ipc.NewConn(in, out, log)
	defer conn.Close()

	if err := p.Handler.Load(ctx); err != nil {
		log.Error("worker: model load failed", "err", err)
		resp := engine.Failure(err)
		if serr := conn.Send(ipc.Reply(uuid.Nil, resp)); serr != nil {
			log.Error("worker: report load failure", "err", serr)
		}
		return ExitLoadFail
	}
	ready := engine.Success("")
	ready.Loaded = true
	if err := conn.Send(ipc.Reply(uuid.Nil, ready)); err != nil {
		log.Error("worker: announce ready", "err", err)
		return ExitTransport
	}
	log.Info("worker: ready")

	err := Serve(ctx, conn, p.Handler, log)
	p.Handler.Engine().Unload(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker: serve", "err", err)
		return ExitTransport
	}
	return ExitOK
}
