// Package tempstore stages inbound uploads on local disk and guarantees their removal.
package tempstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ChunkSize bounds how much of an upload is held in memory while staging.
	ChunkSize = 1 << 20

	filePrefix = "reelflow-"
)

// ErrAlreadyGone marks a release of a file that no longer exists. It is only
// ever logged as a warning.
var ErrAlreadyGone = errors.New("staged file already removed")

// IOError is a disk failure while staging. The partial file, if any, is still
// registered for cleanup.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StagedFile is an exclusively owned handle over a local temporary file.
type StagedFile struct {
	path string
	ext  string

	sizeOnce sync.Once
	size     int64
	sizeErr  error
}

// Open returns a handle for an existing file, e.g. a transform output.
func Open(path string) *StagedFile {
	return &StagedFile{path: path, ext: filepath.Ext(path)}
}

func (f *StagedFile) Path() string { return f.path }

func (f *StagedFile) Ext() string { return f.ext }

// Size stats the file on first use and caches the result.
func (f *StagedFile) Size() (int64, error) {
	f.sizeOnce.Do(func() {
		info, err := os.Stat(f.path)
		if err != nil {
			f.sizeErr = err
			return
		}
		f.size = info.Size()
	})
	return f.size, f.sizeErr
}

// Manager creates staged files under one directory.
type Manager struct {
	dir       string
	chunkSize int
	logger    *zap.Logger
	onChange  func(delta int)
}

func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:       dir,
		chunkSize: ChunkSize,
		logger:    logger.With(zap.String("component", "tempstore")),
	}, nil
}

// Dir returns the directory staged files are created in.
func (m *Manager) Dir() string { return m.dir }

// OnChange registers a hook called with +1/-1 as files are staged and released.
func (m *Manager) OnChange(fn func(delta int)) { m.onChange = fn }

// NewScope starts a set of staged files that are released together.
func (m *Manager) NewScope() *Scope {
	return &Scope{m: m, files: make(map[string]*StagedFile)}
}

// Release removes f. It is safe to call on a file that is already gone; that
// case is logged and otherwise ignored.
func (m *Manager) Release(f *StagedFile) {
	if f == nil || f.path == "" {
		return
	}
	err := os.Remove(f.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Warn("release of missing staged file",
			zap.String("path", f.path), zap.Error(ErrAlreadyGone))
	default:
		m.logger.Warn("failed to remove staged file",
			zap.String("path", f.path), zap.Error(err))
	}
}

// Sweep removes staged files older than age left behind by a previous process.
func (m *Manager) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) changed(delta int) {
	if m.onChange != nil {
		m.onChange(delta)
	}
}

// Scope owns every file staged or adopted through it until Release.
type Scope struct {
	m        *Manager
	mu       sync.Mutex
	files    map[string]*StagedFile
	order    []string
	released bool
}

// Stage copies r into a new temp file in bounded chunks. suffix is the file
// extension including the dot.
func (s *Scope) Stage(ctx context.Context, r io.Reader, suffix string) (*StagedFile, error) {
	f, err := os.CreateTemp(s.m.dir, filePrefix+"*"+suffix)
	if err != nil {
		return nil, &IOError{Path: s.m.dir, Err: err}
	}
	staged := &StagedFile{path: f.Name(), ext: suffix}
	s.track(staged)

	copyErr := copyChunks(ctx, f, r, make([]byte, s.m.chunkSize))
	closeErr := f.Close()
	if copyErr != nil {
		return staged, &IOError{Path: staged.path, Err: copyErr}
	}
	if closeErr != nil {
		return staged, &IOError{Path: staged.path, Err: closeErr}
	}
	return staged, nil
}

// Adopt takes ownership of a file created elsewhere. Adopting a path that is
// already owned returns the existing handle.
func (s *Scope) Adopt(path string) *StagedFile {
	s.mu.Lock()
	existing, ok := s.files[path]
	s.mu.Unlock()
	if ok {
		return existing
	}
	f := Open(path)
	s.track(f)
	return f
}

func (s *Scope) track(f *StagedFile) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		// Too late to own it; remove straight away.
		s.m.Release(f)
		return
	}
	s.files[f.path] = f
	s.order = append(s.order, f.path)
	s.mu.Unlock()
	s.m.changed(1)
}

// Release removes every owned file exactly once. Further calls are no-ops.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	files := make([]*StagedFile, 0, len(s.order))
	for _, p := range s.order {
		files = append(files, s.files[p])
	}
	s.mu.Unlock()

	for _, f := range files {
		s.m.Release(f)
		s.m.changed(-1)
	}
}

// Len reports how many files the scope owns.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// copyChunks writes r to w one buffer at a time, checking ctx between chunks.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, buf []byte) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
