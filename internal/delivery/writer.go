package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/scribe/internal/transcript"
)

// Writer writes one line per transcript.
type Writer struct {
	name       string
	timestamps bool

	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewWriter returns a Writer printing bare text lines to w.
func NewWriter(name string, w io.Writer) *Writer {
	return &Writer{name: name, w: w}
}

// OpenFile appends timestamped lines to the file at path, creating it if
// needed.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("delivery: open %q: %w", path, err)
	}
	return &Writer{name: "file", timestamps: true, w: f, c: f}, nil
}

// Name implements Sink.
func (w *Writer) Name() string { return w.name }

// Deliver implements Sink.
func (w *Writer) Deliver(_ context.Context, t transcript.Transcript) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	if w.timestamps {
		_, err = fmt.Fprintf(w.w, "%s\t%s\t%s\n", t.At.UTC().Format(time.RFC3339), t.Source, t.Text)
	} else {
		_, err = fmt.Fprintln(w.w, t.Text)
	}
	return err
}

// Close closes the underlying file, if the Writer owns one.
func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
