// Package stt defines the Model interface for batch speech-to-text backends.
//
// A Model wraps an acoustic model resource (a local whisper.cpp model, a
// whisper-server process, an OpenAI-compatible HTTP endpoint, or the
// deterministic stub) and transcribes one complete utterance per call. The
// inference engine owns exactly one Model at a time and is responsible for
// load/unload, warm-up and error classification; backends only report what
// the underlying runtime says.
//
// Implementations need not be safe for concurrent use; the engine serialises
// calls.
package stt

import (
	"context"
	"errors"
	"strings"
)

// ErrOutOfMemory is returned (wrapped) by a Model when inference failed
// because the device or host ran out of memory.
var ErrOutOfMemory = errors.New("stt: out of memory")

// Options tune a single Transcribe call.
type Options struct {
	// Language is the ISO-639-1 language hint. Empty uses the model default.
	Language string

	// WordTimestamps requests per-word timing in Result.Words. Backends that
	// cannot produce timings leave Words empty.
	WordTimestamps bool
}

// Model is a loaded speech-to-text resource.
type Model interface {
	// Transcribe converts mono float32 samples in [-1, 1) at 16 kHz to text.
	Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error)

	// Close releases the model. Calling Close more than once is safe.
	Close() error
}

// DeviceMemoryReleaser is implemented by models that hold accelerator memory
// pools which outlive Close until explicitly released.
type DeviceMemoryReleaser interface {
	ReleaseDeviceMemory() error
}

// ModelConfig carries the settings shared by every backend constructor.
type ModelConfig struct {
	// ModelPath is the on-disk model file for local backends.
	ModelPath string

	// BaseURL is the endpoint for HTTP backends.
	BaseURL string

	// APIKey authenticates against hosted backends.
	APIKey string

	// Model names the remote model (e.g. "whisper-1").
	Model string

	// Language is the default language hint.
	Language string
}

// Factory constructs a Model from configuration.
type Factory func(cfg ModelConfig) (Model, error)

var oomMarkers = []string{
	"out of memory",
	"failed to allocate",
	"cudaerrormemoryallocation",
	"insufficient memory",
}

// IsOutOfMemory reports whether err signals memory exhaustion, either by
// wrapping ErrOutOfMemory or by carrying one of the messages native runtimes
// use for allocation failures.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range oomMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
