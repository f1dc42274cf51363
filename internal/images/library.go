// Package images manages the enrollment photo library: one file per student,
// named <id>_<name>.<ext> or <id>.<ext>.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
)

const (
	MinFileSize  = 1 << 10
	MaxFileSize  = 10 << 20
	MinDimension = 100
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrFileSize          = errors.New("image file size out of range")
	ErrDimensions        = errors.New("image dimensions too small")
	ErrNotFound          = errors.New("image not found")
)

var supported = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// Supported reports whether name has an accepted image extension.
func Supported(name string) bool {
	return supported[strings.ToLower(filepath.Ext(name))]
}

// StudentID returns the student ID encoded in an image file name: the part
// before the first underscore, or the whole stem when there is none.
func StudentID(name string) string {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	id, _, _ := strings.Cut(stem, "_")
	return strings.ToUpper(strings.TrimSpace(id))
}

// FileName builds the library file name for a student photo.
func FileName(id, firstName, lastName, ext string) string {
	ext = strings.ToLower(ext)
	if ext == ".jpeg" || ext == "" {
		ext = ".jpg"
	}
	var parts []string
	for _, p := range []string{firstName, lastName} {
		p = strings.Join(strings.Fields(p), "")
		p = strings.NewReplacer("/", "", "\\", "", "_", "", ".", "").Replace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return id + ext
	}
	return id + "_" + strings.Join(parts, "_") + ext
}

// Info describes a validated image.
type Info struct {
	Format string
	Width  int
	Height int
	Size   int
}

// Validate checks extension, file size and pixel dimensions.
func Validate(data []byte, name string) (Info, error) {
	if !Supported(name) {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if len(data) < MinFileSize || len(data) > MaxFileSize {
		return Info{}, fmt.Errorf("%w: %d bytes", ErrFileSize, len(data))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width < MinDimension || cfg.Height < MinDimension {
		return Info{}, fmt.Errorf("%w: %dx%d", ErrDimensions, cfg.Width, cfg.Height)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height, Size: len(data)}, nil
}

// Library is a directory of enrollment photos.
type Library struct {
	dir string
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

func (l *Library) Dir() string { return l.dir }

// Path returns the on-disk path of name.
func (l *Library) Path(name string) string {
	return filepath.Join(l.dir, filepath.Base(name))
}

// Images lists supported image files in sorted order. A missing directory is
// an empty library.
func (l *Library) Images(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read image dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Library) ReadImage(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(l.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read image %s: %w", name, err)
	}
	return data, nil
}

// Save writes data as name and returns its path.
func (l *Library) Save(name string, data []byte) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path := l.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image %s: %w", name, err)
	}
	return path, nil
}

// Stage writes data to a hidden temporary file in the library directory and
// returns its path. Staged files are not listed by Images. Commit or Discard
// it.
func (l *Library) Stage(data []byte) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	f, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("stage image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("stage image: %w", err)
	}
	return f.Name(), nil
}

// Commit renames a staged file to name and returns the final path.
func (l *Library) Commit(staged, name string) (string, error) {
	path := l.Path(name)
	if err := os.Rename(staged, path); err != nil {
		return "", fmt.Errorf("commit image %s: %w", name, err)
	}
	return path, nil
}

// Discard removes a staged file.
func (l *Library) Discard(staged string) error {
	if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard staged image: %w", err)
	}
	return nil
}

// Delete removes name. Deleting a missing image is not an error.
func (l *Library) Delete(name string) error {
	if err := os.Remove(l.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete image %s: %w", name, err)
	}
	return nil
}
