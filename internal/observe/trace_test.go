package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestTraceIDWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
}

func TestStartSpanUsesGlobalTracer(t *testing.T) {
	exp := useTestTracer(t)

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "worker.transcribe")
		id := TraceID(ctx)
		span.End()
		if !hexTraceID.MatchString(id) {
			t.Fatalf("trace id = %q, want 32 lowercase hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate trace id %s", id)
		}
		seen[id] = true
	}

	spans := exp.GetSpans()
	if len(spans) != 20 {
		t.Fatalf("spans = %d, want 20", len(spans))
	}
	if spans[0].Name != "worker.transcribe" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   codes.Code
		wantEvents int
	}{
		{name: "ok", err: nil, wantCode: codes.Unset, wantEvents: 0},
		{name: "failed", err: errors.New("engine: model not loaded"), wantCode: codes.Error, wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)
			_, span := StartSpan(context.Background(), "engine.transcribe")
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if spans[0].Status.Code != tt.wantCode {
				t.Errorf("status = %v, want %v", spans[0].Status.Code, tt.wantCode)
			}
			if len(spans[0].Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(spans[0].Events), tt.wantEvents)
			}
		})
	}
}

func TestLoggerAddsSpanContext(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "app")

	Logger(context.Background(), base).Info("no span")
	line := buf.String()
	if strings.Contains(line, "trace_id") {
		t.Errorf("log without span = %q, want no trace_id", line)
	}
	if !strings.Contains(line, "component=app") {
		t.Errorf("log = %q, want base attributes kept", line)
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "app.transcribe")
	defer span.End()
	Logger(ctx, base).Info("in span")
	line = buf.String()
	for _, want := range []string{"trace_id=" + TraceID(ctx), "span_id=", "component=app"} {
		if !strings.Contains(line, want) {
			t.Errorf("log = %q, missing %q", line, want)
		}
	}
}

func TestLoggerDefaultsToSlogDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background(), nil).Info("fallback")
	if !strings.Contains(buf.String(), "msg=fallback") {
		t.Errorf("log = %q, want it on the default logger", buf.String())
	}
}
