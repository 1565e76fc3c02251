// Package repository maintains a file hierarchy whose content lives in a
// backend. Each Repository holds one immutable tree; operations replace the
// root with a new tree sharing unchanged subtrees.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/tree"
)

// Repository is not safe for concurrent use. The backend it wraps may be
// shared between repositories.
type Repository struct {
	backend backend.Backend
	root    *models.FileObject
}

// New creates a repository with an empty root over b.
func New(b backend.Backend) *Repository {
	return &Repository{backend: b, root: models.EmptyRoot()}
}

// Backend returns the backend holding file content.
func (r *Repository) Backend() backend.Backend { return r.backend }

// Hierarchy returns the current root directory.
func (r *Repository) Hierarchy() *models.FileObject { return r.root }

// Reset replaces the root with an empty directory. Content already written
// to the backend is untouched.
func (r *Repository) Reset() { r.root = models.EmptyRoot() }

// splitPath validates a slash-separated relative path and returns its
// segments. The root is the empty slice.
func splitPath(path string, allowRoot bool) ([]string, error) {
	if strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q is absolute", ErrInvalidPath, path)
	}
	parts := tree.SplitPath(path)
	for _, part := range parts {
		if err := models.ValidateName(part); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
	}
	if len(parts) == 0 && !allowRoot {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return parts, nil
}

// checkAttach reports whether a node of the given kind can be placed at
// parts below dir without replacing a directory or descending into a file.
func checkAttach(dir *models.FileObject, parts []string, isDir bool) error {
	node := dir
	for i, part := range parts {
		child := node.Child(part)
		if child == nil {
			return nil
		}
		last := i == len(parts)-1
		if !last && !child.IsDir() {
			return fmt.Errorf("%w: %s is a file", ErrPathConflict, strings.Join(parts[:i+1], "/"))
		}
		if last && child.IsDir() != isDir {
			return fmt.Errorf("%w: %s exists as %s", ErrPathConflict, strings.Join(parts, "/"), child.FileType())
		}
		node = child
	}
	return nil
}

// attach returns a copy of dir with leaf placed at parts, creating missing
// intermediate directories. An existing directory at a directory leaf is
// kept with its contents; an existing file at a file leaf is replaced.
func attach(dir *models.FileObject, parts []string, leaf *models.FileObject) (*models.FileObject, error) {
	if err := checkAttach(dir, parts, leaf.IsDir()); err != nil {
		return nil, err
	}
	return attachChecked(dir, parts, leaf)
}

func attachChecked(dir *models.FileObject, parts []string, leaf *models.FileObject) (*models.FileObject, error) {
	name := parts[0]
	existing := dir.Child(name)
	if len(parts) == 1 {
		if existing != nil && existing.IsDir() {
			return dir, nil
		}
		return dir.WithChild(leaf.Rename(name))
	}
	if existing == nil {
		var err error
		if existing, err = models.NewDirectory(name, nil); err != nil {
			return nil, err
		}
	}
	child, err := attachChecked(existing, parts[1:], leaf)
	if err != nil {
		return nil, err
	}
	return dir.WithChild(child)
}

func (r *Repository) putContent(ctx context.Context, root *models.FileObject, parts []string, content []byte) (*models.FileObject, string, error) {
	if err := checkAttach(root, parts, false); err != nil {
		return nil, "", err
	}
	key, err := r.backend.WriteLoose(ctx, content)
	if err != nil {
		return nil, "", fmt.Errorf("write content: %w", err)
	}
	leaf, err := models.NewFile(parts[len(parts)-1], key)
	if err != nil {
		return nil, "", err
	}
	newRoot, err := attachChecked(root, parts, leaf)
	if err != nil {
		return nil, "", err
	}
	return newRoot, key, nil
}

// PutObjectFromBytes stores content and attaches it as a file at path,
// creating intermediate directories. It returns the content key.
func (r *Repository) PutObjectFromBytes(ctx context.Context, path string, content []byte) (string, error) {
	const op = "put"
	parts, err := splitPath(path, false)
	if err != nil {
		return "", pathError(op, path, err)
	}
	root, key, err := r.putContent(ctx, r.root, parts, content)
	if err != nil {
		return "", pathError(op, path, err)
	}
	r.root = root
	return key, nil
}

// PutObjectFromFile stores the regular file at source under path.
func (r *Repository) PutObjectFromFile(ctx context.Context, path, source string) (string, error) {
	const op = "put-file"
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", pathError(op, path, fmt.Errorf("%w: %s", ErrSourceNotFound, source))
		}
		return "", pathError(op, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", pathError(op, path, fmt.Errorf("%w: %s is not a regular file", ErrSourceNotFound, source))
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return "", pathError(op, path, fmt.Errorf("read %s: %w", source, err))
	}
	return r.PutObjectFromBytes(ctx, path, content)
}

// PutObjectFromTree imports the directory at source below path ("" for the
// root). Every regular file is stored through the backend and empty
// directories are kept. Symlinks are followed: a link to a file stores the
// file's content and a link to a directory imports that directory. Broken
// links, links back into an enclosing directory and special files fail the
// import with ErrUnsupportedFile. On error the tree is left unchanged.
func (r *Repository) PutObjectFromTree(ctx context.Context, source, path string) error {
	const op = "put-tree"
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pathError(op, path, fmt.Errorf("%w: %s", ErrSourceNotFound, source))
		}
		return pathError(op, path, err)
	}
	if !info.IsDir() {
		return pathError(op, path, fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, source))
	}
	base, err := splitPath(path, true)
	if err != nil {
		return pathError(op, path, err)
	}
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return pathError(op, path, err)
	}

	imp := &treeImport{repo: r, root: r.root, active: make(map[string]bool)}
	if len(base) > 0 {
		dir, err := models.NewDirectory(base[len(base)-1], nil)
		if err != nil {
			return pathError(op, path, err)
		}
		if imp.root, err = attach(imp.root, base, dir); err != nil {
			return pathError(op, path, err)
		}
	}
	if err := imp.dir(ctx, resolved, base); err != nil {
		return pathError(op, path, err)
	}

	r.root = imp.root
	logging.Debug("imported tree", zap.String("source", source), zap.String("path", path), zap.Int("files", imp.files))
	return nil
}

// treeImport accumulates a directory import into a detached root.
type treeImport struct {
	repo  *Repository
	root  *models.FileObject
	files int
	// active holds the resolved directories being imported, outermost first.
	active map[string]bool
}

// dir imports the entries of the resolved directory src below parts, in
// lexical order.
func (t *treeImport) dir(ctx context.Context, src string, parts []string) error {
	if t.active[src] {
		return fmt.Errorf("%w: %s links back into a directory being imported", ErrUnsupportedFile, src)
	}
	t.active[src] = true
	defer delete(t.active, src)

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(src, entry.Name())
		if err := models.ValidateName(entry.Name()); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		child := append(append([]string(nil), parts...), entry.Name())

		mode := entry.Type()
		if mode&fs.ModeSymlink != 0 {
			target, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnsupportedFile, p, err)
			}
			mode = target.Mode().Type()
			if mode.IsDir() {
				if p, err = filepath.EvalSymlinks(p); err != nil {
					return err
				}
			}
		}

		switch {
		case mode.IsDir():
			sub, err := models.NewDirectory(entry.Name(), nil)
			if err != nil {
				return err
			}
			if t.root, err = attach(t.root, child, sub); err != nil {
				return err
			}
			if err := t.dir(ctx, p, child); err != nil {
				return err
			}
		case mode.IsRegular():
			content, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			if t.root, _, err = t.repo.putContent(ctx, t.root, child, content); err != nil {
				return err
			}
			t.files++
		default:
			return fmt.Errorf("%w: %s has mode %s", ErrUnsupportedFile, p, mode)
		}
	}
	return nil
}

// GetObject returns the object at path. The empty path is the root.
func (r *Repository) GetObject(path string) (*models.FileObject, error) {
	const op = "get"
	parts, err := splitPath(path, true)
	if err != nil {
		return nil, pathError(op, path, err)
	}
	obj := tree.FindByPath(r.root, strings.Join(parts, "/"))
	if obj == nil {
		return nil, pathError(op, path, ErrNotFound)
	}
	return obj, nil
}

// ListObjectNames returns the sorted names in the directory at path.
func (r *Repository) ListObjectNames(path string) ([]string, error) {
	obj, err := r.GetObject(path)
	if err != nil {
		return nil, err
	}
	if !obj.IsDir() {
		return nil, pathError("list", path, fmt.Errorf("%w: not a directory", ErrNotFound))
	}
	return obj.Names(), nil
}

// GetObjectContent reads the content of the file at path from the backend.
func (r *Repository) GetObjectContent(ctx context.Context, path string) ([]byte, error) {
	const op = "read"
	obj, err := r.GetObject(path)
	if err != nil {
		return nil, err
	}
	key, ok := obj.Key()
	if obj.IsDir() || !ok {
		return nil, pathError(op, path, fmt.Errorf("%w: not a file", ErrNotFound))
	}
	content, err := r.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrKeyNotFound) {
			return nil, pathError(op, path, fmt.Errorf("%w: %w", ErrContentMissing, err))
		}
		return nil, pathError(op, path, err)
	}
	return content, nil
}

// Serialize returns the tree in compact format.
func (r *Repository) Serialize() (json.RawMessage, error) {
	return tree.Serialize(r.root, tree.Compact)
}

// SerializeFormat returns the tree in the given format.
func (r *Repository) SerializeFormat(format tree.Format) (json.RawMessage, error) {
	return tree.Serialize(r.root, format)
}

// LoadSerialized replaces the tree with the compact blob.
func (r *Repository) LoadSerialized(blob json.RawMessage) error {
	root, err := tree.Deserialize(blob, tree.Compact, "")
	if err != nil {
		return err
	}
	if !root.IsDir() {
		return fmt.Errorf("%w: root is a file", tree.ErrMalformedData)
	}
	r.root = root
	return nil
}
