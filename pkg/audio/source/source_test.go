package source_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/audio/source"
)

func TestReader_FramesThenEOF(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	src := source.NewReader(bytes.NewReader(data))
	frame := make([]byte, 4)

	for i := range 2 {
		if err := src.ReadFrame(frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if frame[0] != byte(i*4) {
			t.Errorf("frame %d starts with %d, want %d", i, frame[0], i*4)
		}
	}
	// Two trailing bytes do not make a frame.
	if err := src.ReadFrame(frame); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReader_Closed(t *testing.T) {
	t.Parallel()
	src := source.NewReader(bytes.NewReader(make([]byte, 64)))
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := src.ReadFrame(make([]byte, 4)); !errors.Is(err, source.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestOpenWAV(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	pcm := audio.FromSamples(make([]int16, 480))
	if err := audio.WriteWAVFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}
	src, err := source.OpenWAV(path, 16000)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer src.Close()

	frame := make([]byte, audio.BytesPerFrame(16000, 10))
	n := 0
	for src.ReadFrame(frame) == nil {
		n++
	}
	if n != 3 {
		t.Errorf("read %d frames, want 3", n)
	}
}

func TestPaced_StopsOnContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := source.NewPaced(ctx, source.NewReader(bytes.NewReader(make([]byte, 1024))), time.Hour)
	defer p.Close()
	cancel()
	if err := p.ReadFrame(make([]byte, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
