// Package storage keeps the audio bytes of recorded takes on the local
// filesystem. Files are addressed by a reference: a bare file name relative
// to the recordings directory, unique per take.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidRef is returned for references that escape the store root.
var ErrInvalidRef = errors.New("storage: invalid file reference")

// Local implements file storage on top of a single directory.
// It is safe for concurrent use.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute directory backing the store.
func (l *Local) Root() string {
	return l.root
}

// Allocate returns a fresh, unused reference with the given extension.
// No file is created.
func (l *Local) Allocate(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "." + ext
}

// Path resolves a reference to an absolute filesystem path.
func (l *Local) Path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(l.root, ref), nil
}

// Exists reports whether the referenced file exists.
func (l *Local) Exists(_ context.Context, ref string) (bool, error) {
	path, err := l.Path(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes the referenced file. A missing file yields an error
// wrapping fs.ErrNotExist so callers can decide whether it matters.
func (l *Local) Delete(_ context.Context, ref string) error {
	path, err := l.Path(ref)
	if err != nil {
		return err
	}
	return os.Remove(path)
}
