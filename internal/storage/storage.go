// Package storage defines the Backend interface for raw blob storage. The
// object container writes its loose objects and packs through it.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned (wrapped) when an object key does not exist.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is the interface for blob storage backends.
// Implementations handle raw object I/O (local filesystem, S3).
// Keys are slash-separated relative paths.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject stores content under key. A reader never observes a
	// partially written object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not
	// an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// ListObjects returns all objects whose key starts with prefix.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ReadAll reads a whole object.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	return ReadRange(ctx, b, key, 0, 0)
}

// ReadRange reads length bytes at offset. A zero length reads to the end.
func ReadRange(ctx context.Context, b Backend, key string, offset, length int64) ([]byte, error) {
	rc, _, err := b.GetObject(ctx, key, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
