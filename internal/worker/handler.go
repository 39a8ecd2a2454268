package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/ipc"
	"github.com/MrWong99/scribe/internal/preprocess"
	"github.com/MrWong99/scribe/pkg/audio"
)

// Handler executes requests against an engine. Both the worker process loop
// and the in-process facade use it, so every mode yields the same responses.
type Handler struct {
	eng     *engine.Engine
	pre     *preprocess.Processor
	useStub bool
	log     *slog.Logger
}

// NewHandler returns a Handler. pre may be nil to skip conditioning.
func NewHandler(eng *engine.Engine, pre *preprocess.Processor, useStub bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{eng: eng, pre: pre, useStub: useStub, log: log}
}

// Engine returns the wrapped engine.
func (h *Handler) Engine() *engine.Engine { return h.eng }

// Load loads the engine in the configured mode.
func (h *Handler) Load(ctx context.Context) error {
	return h.eng.Load(ctx, h.useStub)
}

// Handle executes m and returns its response. It never panics; a panic while
// serving m becomes a negative response.
func (h *Handler) Handle(ctx context.Context, m ipc.Message) (resp engine.Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("worker: request panicked", "kind", m.Kind.String(), "id", m.ID, "panic", r, "stack", string(debug.Stack()))
			resp = engine.Failure(fmt.Errorf("worker: panic serving %s: %v", m.Kind, r))
		}
		resp.Loaded = h.eng.Loaded()
	}()

	switch m.Kind {
	case ipc.KindTranscribe:
		return h.transcribe(ctx, m.Audio)
	case ipc.KindUnloadModel:
		h.eng.Unload(ctx)
		return engine.Success("")
	case ipc.KindLoadModel:
		if err := h.Load(ctx); err != nil {
			return engine.Failure(err)
		}
		return engine.Success("")
	default:
		return engine.Failure(fmt.Errorf("%w: unexpected %s request", engine.ErrBadRequest, m.Kind))
	}
}

func (h *Handler) transcribe(ctx context.Context, pcm []byte) engine.Response {
	if len(pcm)%audio.BytesPerSample != 0 {
		return engine.Failure(fmt.Errorf("%w: pcm length %d is not a whole number of samples", engine.ErrBadRequest, len(pcm)))
	}
	if h.pre != nil {
		out, err := h.pre.Process(pcm)
		if err != nil {
			h.log.Warn("worker: preprocessing failed, using raw audio", "err", err)
		} else {
			pcm = out
		}
	}
	text, err := h.eng.TranscribePlain(ctx, audio.PCMToFloat32(pcm))
	if err != nil {
		return engine.Failure(err)
	}
	return engine.Success(text)
}
