// Package audio holds the PCM helpers shared by the capture, gating and
// inference stages.
//
// All PCM in this module is signed 16-bit little-endian mono unless a function
// documents otherwise. Frames handed to the VAD gate are fixed-duration slices
// of that stream; their byte length is always
//
//	sampleRate * frameMs / 1000 * BytesPerSample
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the width of one int16 PCM sample.
const BytesPerSample = 2

// DefaultSampleRate is the rate every model backend expects.
const DefaultSampleRate = 16000

// ValidFrameMs reports whether ms is a frame duration supported by the VAD
// stage (10, 20 or 30 ms).
func ValidFrameMs(ms int) bool {
	return ms == 10 || ms == 20 || ms == 30
}

// BytesPerFrame returns the exact byte length of a mono int16 frame of frameMs
// milliseconds at sampleRate Hz.
func BytesPerFrame(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * BytesPerSample
}

// Duration returns the playback duration of mono int16 pcm at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the byte length of d worth of mono int16 audio.
func BytesFor(d time.Duration, sampleRate int) int {
	samples := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(samples) * BytesPerSample
}

// PCMToFloat32 converts int16 PCM to float32 samples in [-1.0, 1.0). A trailing
// odd byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM converts float samples back to int16 PCM, clamping to the int16
// range.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, f := range samples {
		v := float64(f) * 32768.0
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(v)))
	}
	return out
}

// Samples decodes pcm into int16 values.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// FromSamples encodes int16 values as little-endian PCM.
func FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square amplitude of pcm on the int16 scale.
// Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts an RMS amplitude on the int16 scale to decibels relative to
// full scale. Silence returns -Inf.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/32768.0)
}

// Silence returns d worth of zeroed PCM at sampleRate.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, BytesFor(d, sampleRate))
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
