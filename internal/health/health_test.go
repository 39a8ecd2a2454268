package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWorker struct {
	running, loaded atomic.Bool
}

func (f *fakeWorker) Running() bool     { return f.running.Load() }
func (f *fakeWorker) ModelLoaded() bool { return f.loaded.Load() }

func get(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthzReportsUptime(t *testing.T) {
	t.Parallel()
	h := New()
	h.now = func() time.Time { return h.started.Add(90 * time.Second) }

	code, body := get(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", code, body.Status)
	}
	if body.Uptime != "1m30s" {
		t.Errorf("uptime = %q, want 1m30s", body.Uptime)
	}
}

func TestReadyzFollowsWorker(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{}
	h := New(WorkerCheckers(w)...)

	tests := []struct {
		name            string
		running, loaded bool
		wantCode        int
		wantWorker      string
		wantModel       string
	}{
		{"stopped", false, false, http.StatusServiceUnavailable, "fail: worker not running", "fail: model not loaded"},
		{"unloaded", true, false, http.StatusServiceUnavailable, "ok", "fail: model not loaded"},
		{"ready", true, true, http.StatusOK, "ok", "ok"},
	}
	for _, tt := range tests {
		w.running.Store(tt.running)
		w.loaded.Store(tt.loaded)
		code, body := get(t, h, "/readyz")
		if code != tt.wantCode {
			t.Errorf("%s: status = %d, want %d", tt.name, code, tt.wantCode)
		}
		if body.Checks["worker"] != tt.wantWorker || body.Checks["model"] != tt.wantModel {
			t.Errorf("%s: checks = %v", tt.name, body.Checks)
		}
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	t.Parallel()
	code, body := get(t, New(), "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("readyz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestRunChecksConcurrently(t *testing.T) {
	t.Parallel()
	var started atomic.Int32
	release := make(chan struct{})
	slow := func(context.Context) error {
		if started.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("checks ran one at a time")
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})
	checks, ok := h.Run(context.Background())
	if !ok {
		t.Fatalf("Run = %v, want all ok", checks)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "blocked", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checks, ok := h.Run(ctx)
	if ok || !strings.HasPrefix(checks["blocked"], "fail: ") {
		t.Fatalf("Run = %v %v, want failed check", checks, ok)
	}
}
