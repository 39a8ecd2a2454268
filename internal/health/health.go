// Package health serves the liveness and readiness endpoints of the daemon.
//
//   - /healthz reports that the process can serve HTTP, with its uptime.
//   - /readyz runs every registered [Checker] concurrently and answers 200
//     only when all of them pass.
//
// Both endpoints answer with a JSON object carrying a "status" of "ok" or
// "fail" and, for /readyz, the outcome of each named check.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

var (
	// ErrWorkerDown is reported when the transcription worker is not running.
	ErrWorkerDown = errors.New("worker not running")

	// ErrModelUnloaded is reported while the model is unloaded, for example
	// after the memory monitor released it.
	ErrModelUnloaded = errors.New("model not loaded")
)

// Checker is one named readiness check. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Worker is the subset of the worker facade the readiness checks inspect.
type Worker interface {
	Running() bool
	ModelLoaded() bool
}

// WorkerCheckers returns the "worker" and "model" checks for w.
func WorkerCheckers(w Worker) []Checker {
	return []Checker{
		{Name: "worker", Check: func(context.Context) error {
			if !w.Running() {
				return ErrWorkerDown
			}
			return nil
		}},
		{Name: "model", Check: func(context.Context) error {
			if !w.ModelLoaded() {
				return ErrModelUnloaded
			}
			return nil
		}},
	}
}

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	up := h.now().Sub(h.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, result{Status: "ok", Uptime: up.String()})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.Run(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Run evaluates all checkers concurrently, each under its own timeout, and
// reports the per-check outcome and whether all passed.
func (h *Handler) Run(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks, allOK
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
