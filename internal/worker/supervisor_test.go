package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/scribe/internal/resilience"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

// crashOnce makes the running helper child crash and waits until the worker
// has noticed.
func crashOnce(t *testing.T, ctx context.Context, w *Worker, n int) {
	t.Helper()
	exited := w.Exited()
	if _, err := w.Transcribe(ctx, pcm, 10*time.Second); !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("crash %d: err = %v, want ErrWorkerCrashed", n, err)
	}
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatalf("crash %d not observed", n)
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	t.Parallel()
	w := helperWorker(t, "crash")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(w, SupervisorConfig{
		Backoff:     10 * time.Millisecond,
		MaxRestarts: 2,
		StableAfter: 50 * time.Millisecond,
		Logger:      quietLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	for i := range 3 {
		crashOnce(t, ctx, w, i+1)
		waitFor(t, "restart", w.Running)
		// Outlive the stability window so the restart counts as a success.
		time.Sleep(150 * time.Millisecond)
	}
	if sup.Breaker().State() != resilience.StateClosed || sup.Breaker().Failures() != 0 {
		t.Errorf("breaker = %v with %d failures, want closed and clean after stable restarts",
			sup.Breaker().State(), sup.Breaker().Failures())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisorTripsOnCrashLoop(t *testing.T) {
	t.Parallel()
	w := helperWorker(t, "crash")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(w, SupervisorConfig{
		Backoff:     10 * time.Millisecond,
		MaxRestarts: 2,
		Cooldown:    time.Hour,
		StableAfter: time.Minute,
		Logger:      quietLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// The first crash is the original run; each later one hits a restart
	// inside its stability window.
	crashOnce(t, ctx, w, 1)
	for i := range 2 {
		waitFor(t, "restart", w.Running)
		crashOnce(t, ctx, w, i+2)
	}

	waitFor(t, "breaker to open", func() bool { return sup.Breaker().State() == resilience.StateOpen })
	// The breaker holds restarts off for the cooldown.
	time.Sleep(200 * time.Millisecond)
	if w.Running() {
		t.Error("worker restarted while the breaker is open")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisorReturnsOnDeliberateStop(t *testing.T) {
	t.Parallel()
	w := helperWorker(t, "stub")
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sup := NewSupervisor(w, SupervisorConfig{Logger: quietLogger()})
	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	if err := w.Stop("shutdown"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if text, err := w.TranscribeText(context.Background(), pcm, time.Second); err == nil || text == stub.Text {
		t.Error("worker was restarted after a deliberate stop")
	}
}
