package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/scribe/internal/engine"
)

// Wire constants.
const (
	Magic      uint16 = 0x5343 // "SC"
	HeaderSize        = 24     // 2 + 1 + 1 + 16 + 4 bytes

	// MaxPayload bounds a single frame. Ten minutes of 16 kHz PCM is about
	// 19 MiB, so this leaves ample room.
	MaxPayload = 512 << 20

	flagReason = 0x01
)

var (
	// ErrProtocol is returned for frames that cannot be decoded. The stream
	// is unusable afterwards.
	ErrProtocol = errors.New("ipc: protocol error")

	// ErrFrameTooLarge is returned when encoding a payload above MaxPayload.
	ErrFrameTooLarge = errors.New("ipc: frame too large")
)

// Encoder writes frames to a stream. It is safe for concurrent use; each
// frame is written and flushed atomically.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 64<<10)}
}

// Encode writes m as one frame.
func (e *Encoder) Encode(m Message) error {
	if !m.Kind.valid() {
		return fmt.Errorf("ipc: encode: unknown %s", m.Kind)
	}
	payload, flags, err := marshalPayload(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = byte(m.Kind)
	hdr[3] = flags
	copy(hdr[4:20], m.ID[:])
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("ipc: flush: %w", err)
	}
	return nil
}

func marshalPayload(m Message) ([]byte, byte, error) {
	switch m.Kind {
	case KindTranscribe:
		return m.Audio, 0, nil
	case KindShutdown:
		if m.HasReason {
			return []byte(m.Reason), flagReason, nil
		}
		return nil, 0, nil
	case KindResponse:
		b, err := m.Response.Marshal()
		if err != nil {
			return nil, 0, err
		}
		return b, 0, nil
	}
	return nil, 0, nil
}

// Decoder reads frames from a stream. It is not safe for concurrent use.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode reads the next frame. It returns io.EOF when the stream ends cleanly
// between frames and an error wrapping ErrProtocol for malformed input.
func (d *Decoder) Decode() (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated header", ErrProtocol)
		}
		return Message{}, err
	}
	if magic := binary.BigEndian.Uint16(hdr[0:2]); magic != Magic {
		return Message{}, fmt.Errorf("%w: bad magic 0x%04x", ErrProtocol, magic)
	}
	m := Message{Kind: Kind(hdr[2])}
	if !m.Kind.valid() {
		return Message{}, fmt.Errorf("%w: unknown %s", ErrProtocol, m.Kind)
	}
	flags := hdr[3]
	copy(m.ID[:], hdr[4:20])
	n := binary.BigEndian.Uint32(hdr[20:24])
	if n > MaxPayload {
		return Message{}, fmt.Errorf("%w: payload length %d exceeds limit", ErrProtocol, n)
	}

	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: truncated %s payload: %w", ErrProtocol, m.Kind, err)
		}
	}

	switch m.Kind {
	case KindTranscribe:
		m.Audio = payload
	case KindShutdown:
		if flags&flagReason != 0 {
			m.Reason = string(payload)
			m.HasReason = true
		}
	case KindResponse:
		resp, err := engine.UnmarshalResponse(payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		m.Response = resp
	}
	return m, nil
}
