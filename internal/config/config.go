// Package config holds the typed configuration of the scribe daemon, its
// YAML loader and the registry of model and voice-activity backends.
//
// A Config is loaded once, defaulted and validated, then passed by pointer to
// each component's constructor. The worker child process reads the same file
// so both sides of the IPC boundary agree on model and preprocessing settings.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/scribe/internal/spool"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SourceKind selects where microphone frames come from.
type SourceKind string

const (
	// SourceStdin reads raw mono int16 PCM from standard input.
	SourceStdin SourceKind = "stdin"

	// SourceFile replays a WAV file at real-time pace.
	SourceFile SourceKind = "file"

	// SourcePortAudio captures the default input device.
	SourcePortAudio SourceKind = "portaudio"
)

// IsValid reports whether s is a recognised source.
func (s SourceKind) IsValid() bool {
	switch s {
	case SourceStdin, SourceFile, SourcePortAudio:
		return true
	}
	return false
}

// WorkerMode selects how the inference engine is hosted.
type WorkerMode string

const (
	// WorkerProcess runs the engine in a supervised child process.
	WorkerProcess WorkerMode = "process"

	// WorkerInProcess runs the engine inside the daemon.
	WorkerInProcess WorkerMode = "inprocess"
)

// IsValid reports whether m is a recognised worker mode.
func (m WorkerMode) IsValid() bool {
	return m == WorkerProcess || m == WorkerInProcess
}

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Model      ModelConfig      `yaml:"model"`
	Worker     WorkerConfig     `yaml:"worker"`
	Batch      BatchConfig      `yaml:"batch"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Output     OutputConfig     `yaml:"output"`
	Spool      SpoolConfig      `yaml:"spool"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz, /metrics and the transcript
	// websocket when non-empty (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture stream and the VAD gate.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is 10, 20 or 30.
	FrameMs int `yaml:"frame_ms"`

	// VAD names the voice classifier: "energy" or "none".
	VAD string `yaml:"vad"`

	// VADAggressiveness is 0 (keeps most audio) to 3 (drops most).
	VADAggressiveness int `yaml:"vad_aggressiveness"`

	// SilenceThresholdMs of trailing silence ends an utterance.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	Source SourceKind `yaml:"source"`

	// File is the WAV file replayed when Source is "file".
	File string `yaml:"file"`
}

// ModelConfig selects and configures the speech-to-text backend.
type ModelConfig struct {
	// Backend is one of "stub", "whisper-native", "whisper-server", "openai".
	Backend string `yaml:"backend"`

	// Fallback lists further backends tried in order when Backend fails to
	// load or transcribe.
	Fallback []string `yaml:"fallback"`

	ModelPath string `yaml:"model_path"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`

	// Name is the remote model name for HTTP backends (e.g. "whisper-1").
	Name string `yaml:"name"`

	Language string `yaml:"language"`

	// Warmup runs a short silent inference after loading. Default true.
	Warmup *bool `yaml:"warmup"`
}

// IsStub reports whether the deterministic stub backend is selected.
func (m ModelConfig) IsStub() bool { return m.Backend == BackendStub }

// WarmupEnabled reports the effective warm-up setting.
func (m ModelConfig) WarmupEnabled() bool { return m.Warmup == nil || *m.Warmup }

// STT converts m into the settings passed to backend constructors.
func (m ModelConfig) STT() stt.ModelConfig {
	return stt.ModelConfig{
		ModelPath: m.ModelPath,
		BaseURL:   m.BaseURL,
		APIKey:    m.APIKey,
		Model:     m.Name,
		Language:  m.Language,
	}
}

// WorkerConfig controls the worker facade and its supervisor.
type WorkerConfig struct {
	Mode WorkerMode `yaml:"mode"`

	// RequestTimeout bounds each live transcription call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StopTimeout is how long a child gets to exit before it is killed.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// StartTimeout bounds model loading in the child.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// Executable is the worker binary. Empty re-executes the running binary.
	Executable string `yaml:"executable"`

	// MaxRestarts consecutive crashes open the restart circuit breaker.
	MaxRestarts int `yaml:"max_restarts"`

	RestartBackoff time.Duration `yaml:"restart_backoff"`

	// StableAfter is how long a restarted child must stay up before the
	// restart counts as a success.
	StableAfter time.Duration `yaml:"stable_after"`
}

// BatchConfig controls windowed transcription of long recordings.
type BatchConfig struct {
	WindowMs     int           `yaml:"window_ms"`
	MaxWorkers   int           `yaml:"max_workers"`
	SliceTimeout time.Duration `yaml:"slice_timeout"`
}

// Window returns WindowMs as a duration.
func (b BatchConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// PreprocessConfig controls the optional signal conditioning before
// inference.
type PreprocessConfig struct {
	AGC              bool    `yaml:"agc"`
	NoiseSuppression bool    `yaml:"noise_suppression"`
	TargetDBFS       float64 `yaml:"target_dbfs"`

	// PruneSilenceMs removes silent runs longer than this. Zero disables.
	PruneSilenceMs int `yaml:"prune_silence_ms"`
}

// MonitorConfig controls the device memory monitor.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	UnloadThresholdMB float64 `yaml:"unload_threshold_mb"`

	// ReloadThresholdMB reloads an auto-unloaded model once this much is
	// free. Zero never reloads.
	ReloadThresholdMB float64 `yaml:"reload_threshold_mb"`

	// NvidiaSMI is the memory query binary. Default "nvidia-smi".
	NvidiaSMI string `yaml:"nvidia_smi"`
	Device    int    `yaml:"device"`
}

// OutputConfig selects where finished transcripts go.
type OutputConfig struct {
	// Stdout prints each transcript on its own line. Default true.
	Stdout *bool `yaml:"stdout"`

	// File appends each transcript to this path when set.
	File string `yaml:"file"`

	Notify    bool `yaml:"notify"`
	Clipboard bool `yaml:"clipboard"`

	// WebSocket broadcasts transcripts on /ws/transcripts of the HTTP
	// listener.
	WebSocket bool `yaml:"websocket"`

	// Vocabulary lists domain terms that misheard words are corrected to.
	Vocabulary []string `yaml:"vocabulary"`
}

// StdoutEnabled reports the effective stdout setting.
func (o OutputConfig) StdoutEnabled() bool { return o.Stdout == nil || *o.Stdout }

// SpoolConfig controls the on-disk copy of live utterances that lets
// `scribe recover` replay audio after a crash.
type SpoolConfig struct {
	// Enabled keeps each utterance on disk until it is transcribed.
	// Default true.
	Enabled *bool `yaml:"enabled"`

	// Dir holds the chunk files. Default: scribe/spool under the user cache
	// directory.
	Dir string `yaml:"dir"`
}

// IsEnabled reports the effective enabled setting.
func (s SpoolConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Defaults.
const (
	DefaultSampleRate         = 16000
	DefaultFrameMs            = 30
	DefaultVAD                = "energy"
	DefaultVADAggressiveness  = 2
	DefaultSilenceThresholdMs = 800
	DefaultRequestTimeout     = 30 * time.Second
	DefaultStopTimeout        = 10 * time.Second
	DefaultStartTimeout       = 2 * time.Minute
	DefaultMaxRestarts        = 5
	DefaultRestartBackoff     = time.Second
	DefaultStableAfter        = 10 * time.Second
	DefaultWindowMs           = 600000
	DefaultMaxWorkers         = 4
	DefaultSliceTimeout       = 30 * time.Second
	DefaultTargetDBFS         = -20.0
	DefaultMonitorInterval    = 5 * time.Second
	DefaultUnloadThresholdMB  = 1024
)

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	a := &c.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameMs == 0 {
		a.FrameMs = DefaultFrameMs
	}
	if a.VAD == "" {
		a.VAD = DefaultVAD
	}
	if a.SilenceThresholdMs == 0 {
		a.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if a.Source == "" {
		a.Source = SourcePortAudio
		if a.File != "" {
			a.Source = SourceFile
		}
	}

	if c.Model.Backend == "" {
		c.Model.Backend = BackendStub
	}

	w := &c.Worker
	if w.Mode == "" {
		w.Mode = WorkerProcess
	}
	if w.RequestTimeout == 0 {
		w.RequestTimeout = DefaultRequestTimeout
	}
	if w.StopTimeout == 0 {
		w.StopTimeout = DefaultStopTimeout
	}
	if w.StartTimeout == 0 {
		w.StartTimeout = DefaultStartTimeout
	}
	if w.MaxRestarts == 0 {
		w.MaxRestarts = DefaultMaxRestarts
	}
	if w.RestartBackoff == 0 {
		w.RestartBackoff = DefaultRestartBackoff
	}
	if w.StableAfter == 0 {
		w.StableAfter = DefaultStableAfter
	}

	b := &c.Batch
	if b.WindowMs == 0 {
		b.WindowMs = DefaultWindowMs
	}
	if b.MaxWorkers == 0 {
		b.MaxWorkers = DefaultMaxWorkers
	}
	if b.SliceTimeout == 0 {
		b.SliceTimeout = DefaultSliceTimeout
	}

	if c.Preprocess.TargetDBFS == 0 {
		c.Preprocess.TargetDBFS = DefaultTargetDBFS
	}

	m := &c.Monitor
	if m.Interval == 0 {
		m.Interval = DefaultMonitorInterval
	}

	if c.Spool.Dir == "" {
		c.Spool.Dir = spool.DefaultDir()
	}
	if m.UnloadThresholdMB == 0 {
		m.UnloadThresholdMB = DefaultUnloadThresholdMB
	}
	if m.NvidiaSMI == "" {
		m.NvidiaSMI = "nvidia-smi"
	}
}
