//go:build !portaudio

package source

import "errors"

// ErrNoMicrophone is returned by OpenMicrophone in builds without the
// portaudio tag.
var ErrNoMicrophone = errors.New("source: microphone capture requires building with -tags portaudio")

// OpenMicrophone is unavailable without the portaudio build tag.
func OpenMicrophone(sampleRate, frameMs int) (Source, error) {
	return nil, ErrNoMicrophone
}
