package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local keeps objects in a directory and serves links under a base URL.
type Local struct {
	root          string
	publicBaseURL string
}

// NewLocal creates the root directory if needed.
func NewLocal(root, publicBaseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	return &Local{root: root, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Download reads an object.
func (l *Local) Download(_ context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Upload writes an object and returns its link.
func (l *Local) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	rel := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+path)), "/")
	if l.publicBaseURL == "" {
		return "file://" + filepath.ToSlash(full), nil
	}
	return l.publicBaseURL + "/" + rel, nil
}
