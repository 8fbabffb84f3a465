// Package jsonconfig implements the atomic, typed JSON document store used
// to persist every piece of Shadowbox's state (spec.md §4.2, component C2):
// a Store[T] for atomic read/write of a single document, a Delayed[T] that
// coalesces writes on a timer, and a Child[T] that shares a parent
// document's persistence instead of owning its own file.
package jsonconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Store is a typed handle for an atomically persisted JSON document at a
// single path. On load, a missing file yields a zero-value T; malformed
// JSON is logged and also yields a zero-value T (spec.md §4.2).
type Store[T any] struct {
	fs   afero.Fs
	path string
	data *T
}

// Load reads path into a new Store[T]. logger may be nil.
func Load[T any](fs afero.Fs, path string, logger *slog.Logger) (*Store[T], error) {
	data := new(T)

	b, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		// Missing file: empty T{}.
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		if jsonErr := json.Unmarshal(b, data); jsonErr != nil {
			if logger != nil {
				logger.Error("malformed JSON config, using empty default",
					"path", path, "error", jsonErr)
			}
			data = new(T)
		}
	}

	return &Store[T]{fs: fs, path: path, data: data}, nil
}

// Data returns the mutable document. Callers are responsible for
// synchronizing concurrent access (the access-key repository and server
// config mutex do this at a higher level, per spec.md §5).
func (s *Store[T]) Data() *T {
	return s.data
}

// Write serializes the document to a temporary file in the same directory
// and atomically renames it over the destination.
func (s *Store[T]) Write() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", s.path, err)
	}
	return atomicWrite(s.fs, s.path, b)
}

func atomicWrite(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}
	return nil
}
