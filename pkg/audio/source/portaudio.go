//go:build portaudio

package source

import (
	"fmt"
	"sync"

	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Microphone captures mono int16 frames from the default input device.
type Microphone struct {
	stream *portaudio.Stream
	in     []int16

	mu     sync.Mutex
	closed bool
}

// OpenMicrophone initialises PortAudio and starts a blocking input stream on
// the default device whose buffer holds exactly one frame of frameMs.
func OpenMicrophone(sampleRate, frameMs int) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("source: portaudio init: %w", err)
	}
	in := make([]int16, audio.BytesPerFrame(sampleRate, frameMs)/audio.BytesPerSample)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(in), in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("source: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("source: start stream: %w", err)
	}
	return &Microphone{stream: stream, in: in}, nil
}

// ReadFrame implements Source. frame must be len(in)*2 bytes.
func (m *Microphone) ReadFrame(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(frame) != len(m.in)*audio.BytesPerSample {
		return fmt.Errorf("source: frame buffer is %d bytes, device delivers %d", len(frame), len(m.in)*audio.BytesPerSample)
	}
	if err := m.stream.Read(); err != nil {
		return fmt.Errorf("source: read: %w", err)
	}
	copy(frame, audio.FromSamples(m.in))
	return nil
}

// Close stops the stream and terminates PortAudio.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.stream.Stop()
	err := m.stream.Close()
	portaudio.Terminate()
	return err
}

var _ Source = (*Microphone)(nil)
