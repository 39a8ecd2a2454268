// This file contains the NativeModel implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/scribe/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeModel satisfies stt.Model.
var _ stt.Model = (*NativeModel)(nil)

// NativeModel implements stt.Model using whisper.cpp Go bindings (CGO). The
// model weights are loaded once; every Transcribe call creates a fresh
// decoding context from them.
type NativeModel struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a NativeModel.
type NativeOption func(*NativeModel)

// WithNativeLanguage sets the default language code for transcription
// (e.g., "en", "de", "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(m *NativeModel) { m.language = lang }
}

// WithNativeThreads sets the number of CPU threads whisper.cpp may use. Zero
// keeps the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(m *NativeModel) { m.threads = n }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the model is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeModel, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	m := &NativeModel{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// NativeFactory adapts NewNative to stt.Factory.
func NativeFactory(cfg stt.ModelConfig) (stt.Model, error) {
	var opts []NativeOption
	if cfg.Language != "" {
		opts = append(opts, WithNativeLanguage(cfg.Language))
	}
	return NewNative(cfg.ModelPath, opts...)
}

// Close releases the whisper model. Safe to call more than once.
func (m *NativeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return err
}

// Transcribe runs whisper.cpp inference over samples. When word timestamps
// are requested the context is switched to one-word segments so that each
// segment's start and end become a word timing.
func (m *NativeModel) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return stt.Result{}, errors.New("whisper: model is closed")
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := m.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = m.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if m.threads > 0 {
		wctx.SetThreads(m.threads)
	}
	if opts.WordTimestamps {
		wctx.SetTokenTimestamps(true)
		wctx.SetMaxSegmentLength(1)
		wctx.SetSplitOnWord(true)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts []string
		words []stt.WordDetail
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if opts.WordTimestamps {
			words = append(words, stt.WordDetail{Word: text, Start: segment.Start, End: segment.End})
		}
	}

	return stt.Result{Text: strings.Join(parts, " "), Words: words}, nil
}
