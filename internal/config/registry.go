package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/scribe/internal/resilience"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	sttopenai "github.com/MrWong99/scribe/pkg/provider/stt/openai"
	"github.com/MrWong99/scribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/scribe/pkg/provider/vad"
	"github.com/MrWong99/scribe/pkg/provider/vad/energy"
)

// Model backend names.
const (
	BackendStub          = "stub"
	BackendWhisperNative = "whisper-native"
	BackendWhisperServer = "whisper-server"
	BackendOpenAI        = "openai"
)

// Backends lists every model backend name accepted by Validate.
var Backends = []string{BackendStub, BackendWhisperNative, BackendWhisperServer, BackendOpenAI}

// ErrBackendNotRegistered is returned when no factory is registered under a
// requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to constructors. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]stt.Factory
	vad    map[string]vad.Engine
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]stt.Factory),
		vad:    make(map[string]vad.Engine),
	}
}

// DefaultRegistry returns a Registry with every built-in backend. The stub
// backend has no factory: the engine loads it directly.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterModel(BackendWhisperNative, whisper.NativeFactory)
	r.RegisterModel(BackendWhisperServer, whisper.ServerFactory)
	r.RegisterModel(BackendOpenAI, sttopenai.Factory)
	r.RegisterVAD("energy", energy.Engine{})
	return r
}

// RegisterModel registers a model factory under name, replacing any previous
// registration.
func (r *Registry) RegisterModel(name string, f stt.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = f
}

// RegisterVAD registers a classifier engine under name.
func (r *Registry) RegisterVAD(name string, e vad.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = e
}

func (r *Registry) model(name string) (stt.Factory, error) {
	r.mu.RLock()
	f, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrBackendNotRegistered, name)
	}
	return f, nil
}

// ModelFactory resolves m to a factory and the name it is reported under.
// A non-empty fallback list yields a factory whose models try each backend
// in order, with a circuit breaker per backend.
func (r *Registry) ModelFactory(m ModelConfig) (string, stt.Factory, error) {
	primary, err := r.model(m.Backend)
	if err != nil {
		return "", nil, err
	}
	if len(m.Fallback) == 0 {
		return m.Backend, primary, nil
	}
	chain := []resilience.NamedFactory{{Name: m.Backend, Factory: primary}}
	for _, name := range m.Fallback {
		f, err := r.model(name)
		if err != nil {
			return "", nil, err
		}
		chain = append(chain, resilience.NamedFactory{Name: name, Factory: f})
	}
	return m.Backend + "+fallback", resilience.FallbackFactory(chain, resilience.CircuitBreakerConfig{}), nil
}

// Classifier builds the voice classifier named by a. "none" yields a
// classifier that never reports speech.
func (r *Registry) Classifier(a AudioConfig) (vad.Classifier, error) {
	if a.VAD == "none" {
		return vad.Constant(false), nil
	}
	r.mu.RLock()
	e, ok := r.vad[a.VAD]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrBackendNotRegistered, a.VAD)
	}
	return e.NewClassifier(vad.Config{
		SampleRate:     a.SampleRate,
		FrameSizeMs:    a.FrameMs,
		Aggressiveness: a.VADAggressiveness,
	})
}
