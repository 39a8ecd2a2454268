package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/scribe/pkg/provider/stt/mock"
	"github.com/MrWong99/scribe/pkg/provider/vad"
)

func TestRegistry_ModelFactory(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	m := &sttmock.Model{Result: stt.Result{Text: "primary"}}
	r.RegisterModel("fake", func(stt.ModelConfig) (stt.Model, error) { return m, nil })

	name, f, err := r.ModelFactory(config.ModelConfig{Backend: "fake"})
	if err != nil {
		t.Fatalf("ModelFactory: %v", err)
	}
	if name != "fake" {
		t.Errorf("name = %q, want fake", name)
	}
	got, err := f(stt.ModelConfig{})
	if err != nil || got != m {
		t.Fatalf("factory returned %v, %v", got, err)
	}
}

func TestRegistry_ModelFactoryFallback(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterModel("broken", func(stt.ModelConfig) (stt.Model, error) {
		return nil, errors.New("no model file")
	})
	backup := &sttmock.Model{Result: stt.Result{Text: "from backup"}}
	r.RegisterModel("backup", func(stt.ModelConfig) (stt.Model, error) { return backup, nil })

	name, f, err := r.ModelFactory(config.ModelConfig{Backend: "broken", Fallback: []string{"backup"}})
	if err != nil {
		t.Fatalf("ModelFactory: %v", err)
	}
	if name != "broken+fallback" {
		t.Errorf("name = %q", name)
	}
	model, err := f(stt.ModelConfig{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	res, err := model.Transcribe(context.Background(), make([]float32, 160), stt.Options{})
	if err != nil || res.Text != "from backup" {
		t.Fatalf("Transcribe = %+v, %v", res, err)
	}
}

func TestRegistry_Unregistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	if _, _, err := r.ModelFactory(config.ModelConfig{Backend: "nope"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("ModelFactory err = %v", err)
	}
	r.RegisterModel("ok", func(stt.ModelConfig) (stt.Model, error) { return nil, nil })
	if _, _, err := r.ModelFactory(config.ModelConfig{Backend: "ok", Fallback: []string{"nope"}}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("fallback err = %v", err)
	}
	if _, err := r.Classifier(config.AudioConfig{VAD: "silero"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("Classifier err = %v", err)
	}
}

func TestDefaultRegistry_Classifier(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()

	none, err := r.Classifier(config.AudioConfig{VAD: "none"})
	if err != nil {
		t.Fatalf("Classifier(none): %v", err)
	}
	if none != vad.Constant(false) {
		t.Errorf("Classifier(none) = %#v, want constant false", none)
	}

	c, err := r.Classifier(config.AudioConfig{VAD: "energy", SampleRate: 16000, FrameMs: 30, VADAggressiveness: 2})
	if err != nil {
		t.Fatalf("Classifier(energy): %v", err)
	}
	speech, err := c.IsSpeech(make([]byte, 960))
	if err != nil || speech {
		t.Fatalf("IsSpeech(silence) = %v, %v", speech, err)
	}

	if _, _, err := r.ModelFactory(config.ModelConfig{Backend: config.BackendWhisperServer}); err != nil {
		t.Errorf("whisper-server not registered: %v", err)
	}
}
