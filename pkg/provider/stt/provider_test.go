package stt_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

func TestIsOutOfMemory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", stt.ErrOutOfMemory, true},
		{"wrapped sentinel", fmt.Errorf("whisper: process: %w", stt.ErrOutOfMemory), true},
		{"cuda message", errors.New("CUDA error: out of memory"), true},
		{"ggml alloc", errors.New("ggml: failed to allocate 512 MiB buffer"), true},
		{"unrelated", errors.New("bad magic"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stt.IsOutOfMemory(tt.err); got != tt.want {
				t.Errorf("IsOutOfMemory(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
