// Package staging manages the local scratch space where object bytes rest
// between download and upload, bounded by a handle pool and watched by a
// memory monitor.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const spoolSuffix = ".spool"

// Area is the staging directory. Staged files are keyed by node id, so
// same-named siblings from different folders never collide. With compress
// enabled the bytes rest zstd-compressed on disk while readers and writers
// keep seeing the raw stream.
type Area struct {
	dir      string
	compress bool
	pool     *HandlePool
}

func NewArea(dir string, compress bool, maxHandles int) (*Area, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %q: %w", dir, err)
	}
	return &Area{
		dir:      dir,
		compress: compress,
		pool:     NewHandlePool(maxHandles),
	}, nil
}

// Dir returns the staging directory path.
func (a *Area) Dir() string {
	return a.dir
}

// Create opens a staging file for writing under a pooled handle.
func (a *Area) Create(ctx context.Context, id string) (*SpoolFile, error) {
	if err := a.pool.Acquire(ctx); err != nil {
		return nil, err
	}

	f, err := os.Create(a.path(id))
	if err != nil {
		a.pool.Release()
		return nil, fmt.Errorf("create staging file for %s: %w", id, err)
	}

	sp := &SpoolFile{file: f, pool: a.pool}
	if a.compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			a.pool.Release()
			os.Remove(a.path(id))
			return nil, fmt.Errorf("zstd writer for %s: %w", id, err)
		}
		sp.enc = enc
	}
	return sp, nil
}

// Open opens a staged file for reading under a pooled handle.
func (a *Area) Open(ctx context.Context, id string) (*SpoolFile, error) {
	if err := a.pool.Acquire(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(a.path(id))
	if err != nil {
		a.pool.Release()
		return nil, fmt.Errorf("open staging file for %s: %w", id, err)
	}

	sp := &SpoolFile{file: f, pool: a.pool}
	if a.compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			a.pool.Release()
			return nil, fmt.Errorf("zstd reader for %s: %w", id, err)
		}
		sp.dec = dec
	}
	return sp, nil
}

// Remove deletes a staged file. Removing an absent file is a no-op.
func (a *Area) Remove(id string) error {
	if err := os.Remove(a.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep clears every staged file. Runs at startup and shutdown so a crash
// never leaves yesterday's staged bytes behind.
func (a *Area) Sweep() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (a *Area) path(id string) string {
	return filepath.Join(a.dir, id+spoolSuffix)
}

// SpoolFile is one staged object. It counts the raw bytes written through
// it so size verification sees what the source declared, regardless of how
// the bytes rest on disk. Closing always returns the pool slot, once.
type SpoolFile struct {
	file     *os.File
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	pool     *HandlePool
	raw      int64
	released bool
}

func (s *SpoolFile) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if s.enc != nil {
		n, err = s.enc.Write(p)
	} else {
		n, err = s.file.Write(p)
	}
	s.raw += int64(n)
	return n, err
}

func (s *SpoolFile) Read(p []byte) (int, error) {
	if s.dec != nil {
		return s.dec.Read(p)
	}
	return s.file.Read(p)
}

// RawSize returns the number of raw bytes written so far.
func (s *SpoolFile) RawSize() int64 {
	return s.raw
}

// Close flushes, closes the underlying file, and returns the pool slot.
// Safe to call more than once.
func (s *SpoolFile) Close() error {
	if s.released {
		return nil
	}
	s.released = true

	var encErr error
	if s.enc != nil {
		encErr = s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	err := s.file.Close()
	s.pool.Release()

	if encErr != nil {
		return encErr
	}
	return err
}
