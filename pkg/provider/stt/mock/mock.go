// Package mock provides test doubles for the stt package interfaces.
//
// Use Model to inject Transcribe results or failures and to inspect what the
// engine passed in.
//
// Example:
//
//	m := &mock.Model{Result: stt.Result{Text: "hi"}}
//	m.Errs = []error{stt.ErrOutOfMemory} // first call fails, later calls succeed
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Model.Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples passed in.
	Samples int
	// Opts is the Options passed in.
	Opts stt.Options
}

// Model is a mock implementation of stt.Model and stt.DeviceMemoryReleaser.
type Model struct {
	mu sync.Mutex

	// Result is returned by every successful Transcribe call.
	Result stt.Result

	// Err, if non-nil, is returned by every Transcribe call once Errs is
	// exhausted.
	Err error

	// Errs scripts per-call errors: call i returns Errs[i] when i < len(Errs).
	// A nil entry means that call succeeds.
	Errs []error

	// Panic, if non-nil, makes Transcribe panic with this value.
	Panic any

	// Delay is slept (honouring ctx) before each Transcribe returns.
	Delay time.Duration

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// ReleaseCallCount is the number of times ReleaseDeviceMemory was called.
	ReleaseCallCount int
}

// Transcribe records the call and returns the scripted outcome.
func (m *Model) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Result, error) {
	m.mu.Lock()
	idx := len(m.TranscribeCalls)
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{Samples: len(samples), Opts: opts})
	delay, p := m.Delay, m.Panic
	var err error
	if idx < len(m.Errs) {
		err = m.Errs[idx]
	} else {
		err = m.Err
	}
	res := m.Result
	m.mu.Unlock()

	if p != nil {
		panic(p)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// ReleaseDeviceMemory records the call.
func (m *Model) ReleaseDeviceMemory() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCallCount++
	return nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranscribeCalls)
}

// Closes returns CloseCallCount. Thread-safe.
func (m *Model) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCallCount
}

var (
	_ stt.Model                = (*Model)(nil)
	_ stt.DeviceMemoryReleaser = (*Model)(nil)
)
