package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/resilience"
)

// SupervisorConfig tunes a Supervisor.
type SupervisorConfig struct {
	// Backoff is the delay before the first restart attempt; it doubles on
	// each consecutive failure up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// MaxRestarts is the number of consecutive failed restarts that trips
	// the breaker. Default: 5.
	MaxRestarts int

	// Cooldown is how long the breaker stays open after tripping.
	// Default: 1m.
	Cooldown time.Duration

	// StableAfter is how long a restarted worker must stay up for the
	// restart to count as a success. A crash inside this window counts
	// against the breaker and the backoff keeps growing. Default: 10s.
	StableAfter time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// errUnstable marks a restart whose worker crashed again before StableAfter.
var errUnstable = errors.New("worker: crashed again shortly after restart")

// Supervisor restarts a Worker whose child process dies unexpectedly.
// Restarts go through a circuit breaker so a crash loop pauses instead of
// spinning. A restart only succeeds once the worker has stayed up for
// StableAfter.
type Supervisor struct {
	w       *Worker
	cfg     SupervisorConfig
	breaker *resilience.CircuitBreaker
}

// NewSupervisor returns a Supervisor for w.
func NewSupervisor(w *Worker, cfg SupervisorConfig) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Supervisor{
		w:   w,
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "worker-restart",
			MaxFailures:  cfg.MaxRestarts,
			ResetTimeout: cfg.Cooldown,
			Logger:       cfg.Logger,
		}),
	}
}

// Breaker exposes the restart breaker for health reporting.
func (s *Supervisor) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Run watches the worker until ctx is cancelled or the worker is stopped on
// purpose. It does not start the worker; call Start first.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.w.Exited():
		}
		if !s.w.Crashed() {
			return nil
		}
		if err := s.restart(ctx); err != nil {
			return err
		}
	}
}

// restart retries Start with backoff until a restart holds, the worker is
// started or stopped by someone else, or ctx ends.
func (s *Supervisor) restart(ctx context.Context) error {
	delay := s.cfg.Backoff
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if !s.w.Crashed() {
			return nil
		}

		err := s.breaker.Execute(func() error { return s.attempt(ctx) })
		switch {
		case err == nil:
			return nil
		case errors.Is(err, resilience.ErrCircuitOpen):
			s.cfg.Logger.Warn("worker: restart suspended, too many failures", "cooldown", s.cfg.Cooldown)
			delay = s.cfg.Cooldown
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		}
		delay = min(delay*2, s.cfg.MaxBackoff)
		s.cfg.Logger.Error("worker: restart failed", "err", err, "retry_in", delay)
	}
}

// attempt starts the worker and waits out the stability window.
func (s *Supervisor) attempt(ctx context.Context) error {
	if err := s.w.Start(ctx); err != nil {
		return err
	}
	s.cfg.Metrics.RecordWorkerRestart(ctx)
	s.cfg.Logger.Info("worker: restarted after crash")

	t := time.NewTimer(s.cfg.StableAfter)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.w.Exited():
		if s.w.Crashed() {
			return errUnstable
		}
		return nil
	}
}
