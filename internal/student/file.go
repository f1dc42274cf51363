package student

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileBackend keeps the snapshot in a single JSON file. Writes go to a
// temporary file in the same directory which is then renamed over the
// target, so readers never observe a partially written store.
type FileBackend struct {
	path string
	now  func() time.Time
}

// NewFileBackend returns a backend for path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, now: time.Now}
}

// Path returns the snapshot file location.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	return data, nil
}

func (b *FileBackend) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp store: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// Quarantine renames the current snapshot to <path>.corrupt-<timestamp>.
func (b *FileBackend) Quarantine(_ context.Context) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", b.path, b.now().UTC().Format("20060102T150405"))
	if err := os.Rename(b.path, target); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", b.path, err)
	}
	return target, nil
}
