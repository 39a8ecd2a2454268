package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a stream is not a RIFF/WAVE PCM file.
var ErrInvalidWAV = errors.New("audio: invalid wav file")

// DecodeWAV reads a PCM WAV stream and returns its samples as mono int16 PCM
// resampled to dstRate, along with the source format.
func DecodeWAV(r io.ReadSeeker, dstRate int) ([]byte, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil {
		return nil, Format{}, fmt.Errorf("%w: no pcm data", ErrInvalidWAV)
	}
	src := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if src.Channels <= 0 {
		return nil, src, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}

	shift := int(dec.BitDepth) - 16
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			// 8-bit WAV is unsigned.
			v = (v - 128) << -shift
		}
		samples[i] = int16(v)
	}
	return ToMono16(FromSamples(samples), src, dstRate), src, nil
}

// ReadWAVFile opens path and decodes it with DecodeWAV.
func ReadWAVFile(path string, dstRate int) ([]byte, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f, dstRate)
}

// WriteWAV writes mono int16 pcm to w as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	samples := Samples(pcm)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile creates path and writes pcm to it with WriteWAV.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeWAV wraps mono int16 pcm in an in-memory RIFF/WAV container, ready to
// be attached to an HTTP upload.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const channels, bps = 1, 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
