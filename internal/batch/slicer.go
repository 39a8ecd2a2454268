package batch

import (
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
)

// Slicer cuts a growing mono int16 PCM stream into fixed windows and submits
// each full window to a Windower. It implements io.Writer so a recording can
// be copied straight into it. A Slicer is not safe for concurrent use.
type Slicer struct {
	w      *Windower
	window int
	buf    []byte
}

// NewSlicer returns a Slicer producing windows of the given duration.
func NewSlicer(w *Windower, window time.Duration, sampleRate int) *Slicer {
	n := audio.BytesFor(window, sampleRate)
	if n < audio.BytesPerSample {
		n = audio.BytesPerSample
	}
	return &Slicer{w: w, window: n}
}

// WindowBytes returns the size of a full window.
func (s *Slicer) WindowBytes() int { return s.window }

// Write buffers p and submits every completed window.
func (s *Slicer) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for len(s.buf) >= s.window {
		slice := make([]byte, s.window)
		copy(slice, s.buf)
		if _, err := s.w.SubmitSlice(slice); err != nil {
			return len(p), err
		}
		s.buf = s.buf[s.window:]
	}
	return len(p), nil
}

// Flush submits the buffered remainder, if any, as a final short window.
func (s *Slicer) Flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	rest := s.buf
	s.buf = nil
	_, err := s.w.SubmitSlice(rest)
	return err
}
