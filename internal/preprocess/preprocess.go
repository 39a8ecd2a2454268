// Package preprocess conditions utterance audio before inference.
//
// Three optional stages run in order: long-silence pruning, a frame-wise
// noise gate, and automatic gain control. A [Processor] never fails the
// transcription: callers use the unmodified input whenever Process returns an
// error.
package preprocess

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
)

// ErrOddLength is returned for PCM whose length is not a whole number of
// int16 samples.
var ErrOddLength = errors.New("preprocess: odd pcm length")

const (
	// DefaultTargetDBFS is the AGC target level.
	DefaultTargetDBFS = -20.0

	// SilenceLevel is the largest absolute sample value treated as silent by
	// the pruner.
	SilenceLevel = 100

	gateFrameMs     = 30
	gateFloorQuant  = 0.1 // quietest 10% of frames estimate the noise floor
	gateOpenRatio   = 2.0 // frames below floor*ratio are attenuated
	gateAttenuation = 0.1 // -20 dB
)

// Options selects and tunes the stages.
type Options struct {
	AGC              bool
	NoiseSuppression bool

	// TargetDBFS is the AGC target RMS level. Zero means DefaultTargetDBFS.
	TargetDBFS float64

	// PruneSilenceMs removes silent runs at least this long. Zero disables
	// pruning.
	PruneSilenceMs int

	// SampleRate of the input. Zero means 16 kHz.
	SampleRate int
}

// Enabled reports whether any stage is active.
func (o Options) Enabled() bool {
	return o.AGC || o.NoiseSuppression || o.PruneSilenceMs > 0
}

// Processor applies the configured stages.
type Processor struct {
	opts Options
	log  *slog.Logger
}

// New returns a Processor. A nil logger means slog.Default().
func New(opts Options, log *slog.Logger) *Processor {
	if opts.TargetDBFS == 0 {
		opts.TargetDBFS = DefaultTargetDBFS
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{opts: opts, log: log}
}

// Options returns the effective options.
func (p *Processor) Options() Options { return p.opts }

// Process returns a conditioned copy of pcm. With no stage enabled it returns
// pcm unchanged. On error the caller should keep the original audio.
func (p *Processor) Process(pcm []byte) (out []byte, err error) {
	if !p.opts.Enabled() || len(pcm) == 0 {
		return pcm, nil
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return pcm, ErrOddLength
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = pcm, fmt.Errorf("preprocess: panic: %v", r)
		}
	}()

	if p.opts.PruneSilenceMs > 0 {
		before := len(pcm)
		pcm = PruneLongSilences(pcm, p.opts.SampleRate, p.opts.PruneSilenceMs, SilenceLevel)
		if removed := before - len(pcm); removed > 0 {
			p.log.Debug("preprocess: pruned silence",
				"removed", time.Duration(removed/audio.BytesPerSample)*time.Second/time.Duration(p.opts.SampleRate))
		}
		if len(pcm) == 0 {
			return pcm, nil
		}
	}

	if !p.opts.NoiseSuppression && !p.opts.AGC {
		return pcm, nil
	}
	samples := toFloat(pcm)
	if p.opts.NoiseSuppression {
		NoiseGate(samples, p.opts.SampleRate)
	}
	if p.opts.AGC {
		gain := AGC(samples, p.opts.TargetDBFS)
		p.log.Debug("preprocess: agc", "gain_db", 20*math.Log10(gain))
	}
	return fromFloat(samples), nil
}

// AGC scales samples in place so their RMS reaches targetDBFS, clipping to
// the int16 range. It returns the applied linear gain; silent input is left
// alone with gain 1.
func AGC(samples []float64, targetDBFS float64) float64 {
	rms := rmsOf(samples)
	if rms == 0 {
		return 1
	}
	current := audio.DBFS(rms)
	gain := math.Pow(10, (targetDBFS-current)/20)
	for i, s := range samples {
		samples[i] = clip(s * gain)
	}
	return gain
}

// NoiseGate attenuates 30 ms frames whose energy stays near the noise floor,
// estimated from the quietest frames of the clip. It works in place.
func NoiseGate(samples []float64, sampleRate int) {
	frame := sampleRate * gateFrameMs / 1000
	if frame <= 0 || len(samples) < 2*frame {
		return
	}
	n := (len(samples) + frame - 1) / frame
	levels := make([]float64, n)
	for i := range n {
		levels[i] = rmsOf(samples[i*frame : min((i+1)*frame, len(samples))])
	}
	sorted := slices.Clone(levels)
	slices.Sort(sorted)
	floor := sorted[int(float64(n-1)*gateFloorQuant)]
	if floor == 0 {
		floor = 1
	}
	threshold := floor * gateOpenRatio
	for i, lvl := range levels {
		if lvl >= threshold {
			continue
		}
		for j := i * frame; j < min((i+1)*frame, len(samples)); j++ {
			samples[j] *= gateAttenuation
		}
	}
}

// PruneLongSilences removes every run of samples with |s| <= level lasting at
// least thresholdMs. Input with an odd byte length, or without such runs, is
// returned unchanged.
func PruneLongSilences(pcm []byte, sampleRate, thresholdMs, level int) []byte {
	if len(pcm) == 0 || len(pcm)%audio.BytesPerSample != 0 {
		return pcm
	}
	minRun := sampleRate * thresholdMs / 1000
	if minRun <= 0 {
		return pcm
	}
	samples := audio.Samples(pcm)

	var keep []int16
	pruned := false
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		if end-runStart >= minRun {
			pruned = true
		} else {
			keep = append(keep, samples[runStart:end]...)
		}
		runStart = -1
	}
	for i, s := range samples {
		if abs16(s) <= level {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
		keep = append(keep, s)
	}
	flush(len(samples))

	if !pruned {
		return pcm
	}
	return audio.FromSamples(keep)
}

func abs16(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}

func rmsOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clip(v float64) float64 {
	return max(-math.MaxInt16, min(math.MaxInt16, v))
}

func toFloat(pcm []byte) []float64 {
	samples := audio.Samples(pcm)
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}

func fromFloat(samples []float64) []byte {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(clip(s))
	}
	return audio.FromSamples(out)
}
