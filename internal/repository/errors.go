package repository

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
)

var (
	// ErrInvalidPath is returned for absolute paths, paths escaping the
	// root and empty file paths.
	ErrInvalidPath = fmt.Errorf("invalid path: %w", models.ErrInvalidArgument)

	// ErrPathConflict is returned when a path segment that must be a
	// directory is a file, or a file would replace a directory.
	ErrPathConflict = errors.New("path conflict")

	// ErrSourceNotFound is returned when an import source does not exist
	// or has the wrong type.
	ErrSourceNotFound = errors.New("source not found")

	// ErrUnsupportedFile is returned when an imported tree holds an entry
	// that has no file or directory representation.
	ErrUnsupportedFile = errors.New("unsupported file")

	// ErrNotFound is returned when a path does not resolve to an object of
	// the expected type.
	ErrNotFound = errors.New("object not found")

	// ErrContentMissing is returned when a file's key is unknown to the
	// backend.
	ErrContentMissing = errors.New("content missing from backend")
)

// PathError records a failed repository operation and the path it was
// applied to.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

func pathError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}
