package stt

import "time"

// Result is the outcome of one Transcribe call.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Words contains per-word detail when requested and supported.
	Words []WordDetail
}

// WordDetail holds per-word timing relative to the start of the audio.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
