// Package source provides audio capture backends that deliver fixed-size PCM
// frames to the VAD gate.
//
// Every Source yields signed 16-bit little-endian mono frames. Callers size
// the frame buffer with audio.BytesPerFrame and call ReadFrame in a loop until
// it returns io.EOF or the source is closed.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
)

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("source: closed")

// Source delivers fixed-size PCM frames.
type Source interface {
	// ReadFrame fills frame completely. A partial trailing frame at the end of
	// a finite stream is discarded and io.EOF is returned.
	ReadFrame(frame []byte) error

	// Close releases the underlying device or file. Safe to call more than once.
	Close() error
}

// Reader adapts an io.Reader carrying raw PCM into a Source.
type Reader struct {
	r      io.Reader
	closer io.Closer

	mu     sync.Mutex
	closed bool
}

// NewReader wraps r. If r implements io.Closer it is closed by Close.
func NewReader(r io.Reader) *Reader {
	s := &Reader{r: r}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Stdin returns a Source reading raw PCM from standard input.
func Stdin() *Reader {
	return &Reader{r: os.Stdin}
}

// ReadFrame implements Source.
func (s *Reader) ReadFrame(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := io.ReadFull(s.r, frame)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Close implements Source.
func (s *Reader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// OpenWAV decodes the WAV file at path into mono PCM at sampleRate and returns
// a Source over it.
func OpenWAV(path string, sampleRate int) (*Reader, error) {
	pcm, _, err := audio.ReadWAVFile(path, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return NewReader(bytes.NewReader(pcm)), nil
}

// Paced wraps src so that ReadFrame returns at most once per interval,
// emulating a live capture device when replaying files.
type Paced struct {
	src    Source
	ticker *time.Ticker
	ctx    context.Context
}

// NewPaced returns a Paced source. Reads stop with ctx.Err() once ctx is done.
func NewPaced(ctx context.Context, src Source, interval time.Duration) *Paced {
	return &Paced{src: src, ticker: time.NewTicker(interval), ctx: ctx}
}

// ReadFrame implements Source.
func (p *Paced) ReadFrame(frame []byte) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.ticker.C:
	}
	return p.src.ReadFrame(frame)
}

// Close implements Source.
func (p *Paced) Close() error {
	p.ticker.Stop()
	return p.src.Close()
}

var (
	_ Source = (*Reader)(nil)
	_ Source = (*Paced)(nil)
)
