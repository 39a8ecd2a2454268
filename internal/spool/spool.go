// Package spool keeps captured utterances on disk until they have been
// transcribed, so audio survives a crash of the daemon.
//
// Every utterance becomes a numbered chunk file (chunk_0001.pcm, ...) holding
// raw mono int16 PCM. A chunk is released once its transcript is delivered.
// Whatever is still in the directory when the daemon starts again was left
// by a run that did not finish, and can be replayed with Recover.
package spool

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	chunkPrefix = "chunk_"
	chunkExt    = ".pcm"
	tmpPattern  = ".chunk-*.tmp"
)

// ErrEmpty is returned by Recover when there is nothing to recover.
var ErrEmpty = errors.New("spool: no chunks")

// DefaultDir is the spool directory under the user cache directory, or under
// the system temp directory when there is none.
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "scribe", "spool")
}

// Option configures a Spool.
type Option func(*Spool)

// WithFs sets the filesystem. Default: the OS filesystem.
func WithFs(f afero.Fs) Option {
	return func(s *Spool) { s.fs = f }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Spool) { s.log = l }
}

// Spool writes and replays the chunks of one directory. It is safe for
// concurrent use.
type Spool struct {
	dir string
	fs  afero.Fs
	log *slog.Logger

	mu     sync.Mutex
	active bool
	next   int
}

// New returns a Spool over dir. Nothing touches the disk until Start or
// Write.
func New(dir string, opts ...Option) *Spool {
	s := &Spool{dir: dir}
	for _, o := range opts {
		o(s)
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Start opens a session. Numbering continues after any chunks already in
// the directory, so leftovers from an earlier run are never overwritten.
// Half-written temp files are removed. Start is a no-op on an open session.
func (s *Spool) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Spool) startLocked() error {
	if s.active {
		return nil
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("spool: create %q: %w", s.dir, err)
	}
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("spool: list %q: %w", s.dir, err)
	}
	s.next = 1
	leftover := 0
	for _, e := range entries {
		name := e.Name()
		if isTemp(name) {
			_ = s.fs.Remove(filepath.Join(s.dir, name))
			continue
		}
		if n, ok := chunkIndex(name); ok {
			leftover++
			s.next = max(s.next, n+1)
		}
	}
	if leftover > 0 {
		s.log.Warn("spool: audio left over from an earlier run, replay it with `scribe recover`",
			"dir", s.dir, "chunks", leftover)
	}
	s.active = true
	return nil
}

// Write stores pcm as the next chunk, opening a session if needed, and
// returns the chunk path. The chunk appears under its final name only once
// it is completely written.
func (s *Spool) Write(pcm []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, chunkName(s.next))
	if err := s.writeAtomic(path, pcm); err != nil {
		return "", err
	}
	s.next++
	return path, nil
}

func (s *Spool) writeAtomic(path string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, s.dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("spool: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("spool: write %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("spool: sync %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("spool: close %q: %w", path, err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("spool: rename %q: %w", path, err)
	}
	return nil
}

// Release removes a chunk whose transcript was delivered. Releasing a chunk
// that is already gone is not an error.
func (s *Spool) Release(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: release %q: %w", path, err)
	}
	return nil
}

// Close ends the session. Chunks that were never released stay on disk for
// Recover; an empty directory is removed.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	paths, err := s.Chunks()
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		s.log.Warn("spool: unfinished audio kept", "dir", s.dir, "chunks", len(paths))
		return nil
	}
	return s.removeIfEmpty()
}

// Chunks lists the chunk files in write order. A missing directory has none.
func (s *Spool) Chunks() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool: list %q: %w", s.dir, err)
	}
	type chunk struct {
		n    int
		path string
	}
	var cs []chunk
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := chunkIndex(e.Name()); ok {
			cs = append(cs, chunk{n: n, path: filepath.Join(s.dir, e.Name())})
		}
	}
	slices.SortFunc(cs, func(a, b chunk) int { return cmp.Compare(a.n, b.n) })
	paths := make([]string, len(cs))
	for i, c := range cs {
		paths[i] = c.path
	}
	return paths, nil
}

// Incomplete reports whether chunks are waiting in the directory.
func (s *Spool) Incomplete() (bool, error) {
	paths, err := s.Chunks()
	return len(paths) > 0, err
}

// Recover concatenates every chunk in write order and returns the PCM and
// the chunk count. It returns ErrEmpty when there are no chunks.
func (s *Spool) Recover() ([]byte, int, error) {
	paths, err := s.Chunks()
	if err != nil {
		return nil, 0, err
	}
	if len(paths) == 0 {
		return nil, 0, ErrEmpty
	}
	var pcm []byte
	for _, p := range paths {
		b, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return nil, 0, fmt.Errorf("spool: read %q: %w", p, err)
		}
		pcm = append(pcm, b...)
	}
	return pcm, len(paths), nil
}

// Discard removes every chunk and then the directory if nothing else is in
// it.
func (s *Spool) Discard() error {
	paths, err := s.Chunks()
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		errs = append(errs, s.Release(p))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return s.removeIfEmpty()
}

func (s *Spool) removeIfEmpty() error {
	if ok, _ := afero.DirExists(s.fs, s.dir); !ok {
		return nil
	}
	empty, err := afero.IsEmpty(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("spool: inspect %q: %w", s.dir, err)
	}
	if !empty {
		return nil
	}
	if err := s.fs.Remove(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove %q: %w", s.dir, err)
	}
	return nil
}

func chunkName(n int) string { return fmt.Sprintf("%s%04d%s", chunkPrefix, n, chunkExt) }

// chunkIndex parses a chunk file name; ok is false for any other name.
func chunkIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, chunkPrefix)
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, chunkExt)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".chunk-") && strings.HasSuffix(name, ".tmp")
}
