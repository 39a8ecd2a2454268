package audio

import (
	"fmt"
	"log/slog"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// ToMono16 converts interleaved int16 PCM in format src to mono at dstRate.
// Channels are downmixed first so that resampling only touches one channel.
// Input with a partial trailing sample frame is truncated to whole frames.
func ToMono16(pcm []byte, src Format, dstRate int) []byte {
	if src.Channels > 1 {
		pcm = Downmix(pcm, src.Channels)
	}
	if src.SampleRate != dstRate {
		slog.Debug("audio: resampling", "from", src.String(), "to_rate", dstRate)
		pcm = ResampleMono16(pcm, src.SampleRate, dstRate)
	}
	return pcm
}

// Downmix averages every group of channels interleaved int16 samples into one
// mono sample. Uses int32 arithmetic and clamps to the int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	if channels == 2 {
		return StereoToMono(pcm)
	}
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*BytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, pcm is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := Samples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return FromSamples(out)
}
