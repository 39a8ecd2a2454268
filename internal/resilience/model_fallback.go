package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// NamedFactory is one backend of a [FallbackFactory] chain.
type NamedFactory struct {
	Name    string
	Factory stt.Factory
}

// ModelFallback is an [stt.Model] that transcribes with the first healthy
// backend of an ordered chain.
type ModelFallback struct {
	group *FallbackGroup[stt.Model]
}

var (
	_ stt.Model                = (*ModelFallback)(nil)
	_ stt.DeviceMemoryReleaser = (*ModelFallback)(nil)
)

// FallbackFactory returns an [stt.Factory] that builds every backend in
// chain and wraps them in a [ModelFallback]. Backends that fail to build are
// logged and skipped; the factory fails only if none could be built.
func FallbackFactory(chain []NamedFactory, cfg CircuitBreakerConfig) stt.Factory {
	return func(mc stt.ModelConfig) (stt.Model, error) {
		g := NewFallbackGroup[stt.Model](cfg)
		var errs []error
		for _, nf := range chain {
			m, err := nf.Factory(mc)
			if err != nil {
				slog.Warn("fallback: backend unavailable", "backend", nf.Name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", nf.Name, err))
				continue
			}
			g.Add(nf.Name, m)
		}
		if g.Len() == 0 {
			return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
		}
		return &ModelFallback{group: g}, nil
	}
}

// Transcribe implements stt.Model.
func (f *ModelFallback) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(m stt.Model) (stt.Result, error) {
		return m.Transcribe(ctx, samples, opts)
	})
}

// Close closes every backend and joins their errors.
func (f *ModelFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, m stt.Model) {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// ReleaseDeviceMemory forwards to every backend that holds device memory.
func (f *ModelFallback) ReleaseDeviceMemory() error {
	var errs []error
	f.group.Each(func(name string, m stt.Model) {
		if r, ok := m.(stt.DeviceMemoryReleaser); ok {
			if err := r.ReleaseDeviceMemory(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
