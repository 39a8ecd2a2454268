package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMI reads free memory of one GPU with the nvidia-smi tool.
type NvidiaSMI struct {
	// Path to the binary. Default "nvidia-smi" looked up in PATH.
	Path string

	// Device index. Default 0.
	Device int

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// FreeMiB implements Gauge.
func (n NvidiaSMI) FreeMiB(ctx context.Context) (float64, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	run := n.run
	if run == nil {
		if _, err := exec.LookPath(path); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrGaugeUnavailable, err)
		}
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	out, err := run(ctx, path,
		"--query-gpu=memory.free",
		"--format=csv,noheader,nounits",
		"--id="+strconv.Itoa(n.Device))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// nvidia-smi exits non-zero when no driver or device is present.
			return 0, fmt.Errorf("%w: %s", ErrGaugeUnavailable, bytes.TrimSpace(exitErr.Stderr))
		}
		return 0, fmt.Errorf("monitor: nvidia-smi: %w", err)
	}
	return parseFreeMiB(out)
}

func parseFreeMiB(out []byte) (float64, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, fmt.Errorf("monitor: parse nvidia-smi output %q: %w", line, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("monitor: empty nvidia-smi output")
}
