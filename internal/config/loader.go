package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and returns every problem found, joined.
// It expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	a := cfg.Audio
	if a.SampleRate <= 0 {
		add("audio.sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.FrameMs != 10 && a.FrameMs != 20 && a.FrameMs != 30 {
		add("audio.frame_ms must be 10, 20 or 30, got %d", a.FrameMs)
	}
	if a.VAD != "energy" && a.VAD != "none" {
		add("audio.vad %q is invalid; valid values: energy, none", a.VAD)
	}
	if a.VADAggressiveness < 0 || a.VADAggressiveness > 3 {
		add("audio.vad_aggressiveness must be in [0,3], got %d", a.VADAggressiveness)
	}
	if a.SilenceThresholdMs < 0 {
		add("audio.silence_threshold_ms must not be negative, got %d", a.SilenceThresholdMs)
	}
	if !a.Source.IsValid() {
		add("audio.source %q is invalid; valid values: stdin, file, portaudio", a.Source)
	}
	if a.Source == SourceFile && a.File == "" {
		add("audio.file is required when audio.source is file")
	}

	m := cfg.Model
	for i, name := range append([]string{m.Backend}, m.Fallback...) {
		field := "model.backend"
		if i > 0 {
			field = fmt.Sprintf("model.fallback[%d]", i-1)
		}
		if !slices.Contains(Backends, name) {
			add("%s %q is invalid; valid values: %v", field, name, Backends)
			continue
		}
		switch name {
		case BackendWhisperNative:
			if m.ModelPath == "" {
				add("model.model_path is required for %s", name)
			}
		case BackendWhisperServer:
			if m.BaseURL == "" {
				add("model.base_url is required for %s", name)
			}
		case BackendOpenAI:
			if m.APIKey == "" && m.BaseURL == "" {
				slog.Warn("openai backend without api_key or base_url; requests to the hosted API will be rejected")
			}
		}
	}
	if m.IsStub() && len(m.Fallback) > 0 {
		add("model.fallback cannot be combined with the stub backend")
	}

	w := cfg.Worker
	if !w.Mode.IsValid() {
		add("worker.mode %q is invalid; valid values: process, inprocess", w.Mode)
	}
	if w.RequestTimeout < 0 || w.StopTimeout < 0 || w.StartTimeout < 0 || w.RestartBackoff < 0 || w.StableAfter < 0 {
		add("worker timeouts must not be negative")
	}
	if w.MaxRestarts < 0 {
		add("worker.max_restarts must not be negative, got %d", w.MaxRestarts)
	}

	b := cfg.Batch
	if b.WindowMs <= 0 {
		add("batch.window_ms must be positive, got %d", b.WindowMs)
	}
	if b.MaxWorkers <= 0 {
		add("batch.max_workers must be positive, got %d", b.MaxWorkers)
	}
	if b.SliceTimeout < 0 {
		add("batch.slice_timeout must not be negative")
	}

	p := cfg.Preprocess
	if p.TargetDBFS > 0 {
		add("preprocess.target_dbfs must be <= 0, got %g", p.TargetDBFS)
	}
	if p.PruneSilenceMs < 0 {
		add("preprocess.prune_silence_ms must not be negative, got %d", p.PruneSilenceMs)
	}

	mon := cfg.Monitor
	if mon.Interval < 0 {
		add("monitor.interval must not be negative")
	}
	if mon.UnloadThresholdMB < 0 || mon.ReloadThresholdMB < 0 {
		add("monitor thresholds must not be negative")
	}
	if mon.ReloadThresholdMB > 0 && mon.ReloadThresholdMB <= mon.UnloadThresholdMB {
		add("monitor.reload_threshold_mb (%g) must exceed unload_threshold_mb (%g)", mon.ReloadThresholdMB, mon.UnloadThresholdMB)
	}

	if cfg.Output.WebSocket && cfg.Server.ListenAddr == "" {
		add("output.websocket requires server.listen_addr")
	}

	return errors.Join(errs...)
}
