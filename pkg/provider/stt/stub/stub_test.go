package stub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/stub"
)

func TestStub_IgnoresContent(t *testing.T) {
	t.Parallel()
	m := stub.New()
	for _, in := range [][]float32{nil, make([]float32, 16000), {0.5, -0.5}} {
		res, err := m.Transcribe(context.Background(), in, stt.Options{})
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if res.Text != stub.Text || len(res.Words) != 0 {
			t.Errorf("got %+v, want text %q and no words", res, stub.Text)
		}
	}
	res, err := m.Transcribe(context.Background(), nil, stt.Options{WordTimestamps: true})
	if err != nil {
		t.Fatalf("Transcribe detailed: %v", err)
	}
	if res.Text != stub.DetailedText {
		t.Errorf("detailed text = %q, want %q", res.Text, stub.DetailedText)
	}
}

func TestStub_DelayHonoursContext(t *testing.T) {
	t.Parallel()
	m := stub.New(stub.WithDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Transcribe(ctx, nil, stt.Options{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
