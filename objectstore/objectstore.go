// Package objectstore reads submitted documents and stores generated reports.
package objectstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

// Store is the object storage the worker depends on.
type Store interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}
