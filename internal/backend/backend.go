// Package backend defines the capabilities a Repository needs from the store
// that holds file content, and an in-memory implementation.
package backend

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned (wrapped) by Read for a key the backend never
// issued or no longer holds.
var ErrKeyNotFound = errors.New("key not found")

// LooseStore stores and retrieves content by opaque key.
type LooseStore interface {
	// WriteLoose stores content and returns its key. The object is durable
	// once the call returns.
	WriteLoose(ctx context.Context, content []byte) (string, error)

	// Read returns the content stored under key.
	Read(ctx context.Context, key string) ([]byte, error)
}

// Packer consolidates loose objects into packs.
type Packer interface {
	// PackAllLoose moves every loose object into pack storage. Keys stay
	// valid and Read returns the same bytes afterwards. Packing with nothing
	// loose is a no-op.
	PackAllLoose(ctx context.Context, compress bool) error
}

// Backend is what a Repository is constructed with.
type Backend interface {
	LooseStore
	Packer
}
