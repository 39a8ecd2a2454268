// Package transcript defines the finished transcript handed to delivery
// sinks and the vocabulary correction applied before delivery.
package transcript

import "time"

// Source says which path produced a transcript.
type Source string

const (
	// SourceLive is a single utterance cut by the VAD gate.
	SourceLive Source = "live"

	// SourceBatch is the ordered result of a windowed recording.
	SourceBatch Source = "batch"

	// SourceRecovered is spooled audio replayed after a crash.
	SourceRecovered Source = "recovered"
)

// Correction is one substitution made by the Corrector.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Transcript is one delivered piece of text.
type Transcript struct {
	// Seq numbers transcripts in delivery order, starting at 1.
	Seq uint64 `json:"seq"`

	Source Source `json:"source"`

	// Text is the corrected text.
	Text string `json:"text"`

	// Raw is the text as the model produced it.
	Raw string `json:"raw,omitempty"`

	Corrections []Correction `json:"corrections,omitempty"`

	// At is when the audio ended.
	At time.Time `json:"at"`

	// Audio is the duration of the transcribed audio.
	Audio time.Duration `json:"audio_ns"`

	// Took is the wall time spent transcribing.
	Took time.Duration `json:"took_ns"`
}
