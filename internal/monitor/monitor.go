// Package monitor releases the transcription model under device memory
// pressure.
//
// A [Monitor] polls free accelerator memory through a [Gauge]. When free
// memory drops below the unload threshold while the model is loaded, it asks
// the worker to unload the model. If a reload threshold is configured, a model
// the monitor unloaded itself is loaded again once enough memory is free.
// Models unloaded by someone else are left alone.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scribe/internal/engine"
	"github.com/MrWong99/scribe/internal/observe"
)

// ErrGaugeUnavailable is returned by a Gauge that cannot read device memory
// on this host. The monitor disables itself when it sees it.
var ErrGaugeUnavailable = errors.New("monitor: device memory gauge unavailable")

// Gauge reports free device memory in MiB.
type Gauge interface {
	FreeMiB(ctx context.Context) (float64, error)
}

// GaugeFunc adapts a function to Gauge.
type GaugeFunc func(ctx context.Context) (float64, error)

// FreeMiB implements Gauge.
func (f GaugeFunc) FreeMiB(ctx context.Context) (float64, error) { return f(ctx) }

// Target is the model lifecycle surface of the worker facade.
type Target interface {
	ModelLoaded() bool
	UnloadModel(ctx context.Context, timeout time.Duration) (engine.Response, error)
	LoadModel(ctx context.Context, timeout time.Duration) (engine.Response, error)
}

// Action is what a single check did.
type Action int

const (
	ActionNone Action = iota
	ActionUnload
	ActionReload
)

func (a Action) String() string {
	switch a {
	case ActionUnload:
		return "unload"
	case ActionReload:
		return "reload"
	}
	return "none"
}

// Config holds the monitor settings. Zero values take the defaults below.
type Config struct {
	// Interval between checks. Default 5s.
	Interval time.Duration

	// UnloadBelowMiB triggers an unload when free memory falls under it.
	// Default 1024.
	UnloadBelowMiB float64

	// ReloadAboveMiB reloads a model the monitor unloaded once free memory
	// reaches it. Zero disables reloading.
	ReloadAboveMiB float64

	// RequestTimeout bounds each unload or load call. Default 30s.
	RequestTimeout time.Duration

	// Notify, if set, receives a short human readable message after each
	// action.
	Notify func(msg string)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Monitor polls device memory and drives the model lifecycle of a Target.
type Monitor struct {
	target Target
	gauge  Gauge
	cfg    Config
	log    *slog.Logger

	mu           sync.Mutex
	autoUnloaded bool
	disabled     bool
}

// New returns a Monitor for target reading memory from gauge.
func New(target Target, gauge Gauge, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.UnloadBelowMiB <= 0 {
		cfg.UnloadBelowMiB = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Monitor{
		target: target,
		gauge:  gauge,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "monitor"),
	}
}

// Disabled reports whether the gauge turned out to be unavailable.
func (m *Monitor) Disabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// CheckOnce samples free memory once and acts on it. Gauge failures are
// logged and reported as ActionNone with the error.
func (m *Monitor) CheckOnce(ctx context.Context) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return ActionNone, nil
	}

	free, err := m.gauge.FreeMiB(ctx)
	if err != nil {
		if errors.Is(err, ErrGaugeUnavailable) {
			m.disabled = true
			m.log.Info("device memory gauge unavailable, monitoring disabled", "err", err)
			return ActionNone, nil
		}
		m.log.Debug("device memory gauge failed", "err", err)
		return ActionNone, err
	}
	m.cfg.Metrics.RecordDeviceMemory(ctx, free)

	loaded := m.target.ModelLoaded()
	switch {
	case loaded && free < m.cfg.UnloadBelowMiB:
		m.log.Warn("free device memory below threshold, unloading model",
			"free_mib", free, "threshold_mib", m.cfg.UnloadBelowMiB)
		if err := m.lifecycle(ctx, m.target.UnloadModel, "unload"); err != nil {
			return ActionNone, err
		}
		m.autoUnloaded = true
		m.notify(fmt.Sprintf("Model unloaded: %.0f MiB device memory free", free))
		return ActionUnload, nil

	case !loaded && m.autoUnloaded && m.cfg.ReloadAboveMiB > 0 && free >= m.cfg.ReloadAboveMiB:
		m.log.Info("device memory recovered, reloading model",
			"free_mib", free, "threshold_mib", m.cfg.ReloadAboveMiB)
		if err := m.lifecycle(ctx, m.target.LoadModel, "load"); err != nil {
			return ActionNone, err
		}
		m.autoUnloaded = false
		m.notify("Model reloaded")
		return ActionReload, nil
	}
	if loaded {
		m.autoUnloaded = false
	}
	return ActionNone, nil
}

func (m *Monitor) lifecycle(ctx context.Context, call func(context.Context, time.Duration) (engine.Response, error), op string) error {
	resp, err := call(ctx, m.cfg.RequestTimeout)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		m.log.Error("model "+op+" failed", "err", err)
		m.cfg.Metrics.RecordError(ctx, "monitor", op)
		return fmt.Errorf("monitor: %s: %w", op, err)
	}
	return nil
}

func (m *Monitor) notify(msg string) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(msg)
	}
}

// Run checks every Interval until ctx is cancelled or the gauge reports it
// is unavailable. It returns nil in both cases.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		_, _ = m.CheckOnce(ctx)
		if m.Disabled() {
			return nil
		}
	}
}
