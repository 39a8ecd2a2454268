package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNativeTranscribe_Silence(t *testing.T) {
	m, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer m.Close()

	res, err := m.Transcribe(context.Background(), make([]float32, 8000), stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	t.Logf("silence transcribed as %q", res.Text)
}

func TestNativeTranscribe_WordTimestamps(t *testing.T) {
	m, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer m.Close()

	res, err := m.Transcribe(context.Background(), sine(32000), stt.Options{WordTimestamps: true})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	for _, w := range res.Words {
		if w.End < w.Start {
			t.Errorf("word %q ends before it starts: %v < %v", w.Word, w.End, w.Start)
		}
	}
}

func TestNativeClose_Idempotent(t *testing.T) {
	m, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := m.Transcribe(context.Background(), sine(160), stt.Options{}); err == nil {
		t.Error("Transcribe after Close should fail")
	}
}
