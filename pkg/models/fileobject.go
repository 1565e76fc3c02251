// Package models contains the data types of the file repository.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidArgument is returned when a FileObject is constructed in violation
// of its invariants.
var ErrInvalidArgument = errors.New("invalid argument")

// FileType is the type of a node in a repository tree.
type FileType int

const (
	Directory FileType = 0
	File      FileType = 1
)

// Valid reports whether t is a recognized file type.
func (t FileType) Valid() bool {
	return t == Directory || t == File
}

func (t FileType) String() string {
	switch t {
	case Directory:
		return "DIRECTORY"
	case File:
		return "FILE"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// FileObject is an immutable node of a repository tree. A directory owns its
// children; a file references its content through a backend key.
type FileObject struct {
	name     string
	fileType FileType
	key      string
	hasKey   bool
	objects  map[string]*FileObject
}

// New creates a FileObject after validating its invariants. A nil objects map
// is normalized to an empty one. The objects map is copied.
func New(name string, fileType FileType, key *string, objects map[string]*FileObject) (*FileObject, error) {
	if !fileType.Valid() {
		return nil, fmt.Errorf("%w: file_type %d is not a recognized FileType", ErrInvalidArgument, int(fileType))
	}
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: object name %q is not valid UTF-8", ErrInvalidArgument, name)
	}
	if key != nil && !utf8.ValidString(*key) {
		return nil, fmt.Errorf("%w: key %q is not valid UTF-8", ErrInvalidArgument, *key)
	}

	for childName, child := range objects {
		if child == nil {
			return nil, fmt.Errorf("%w: object %q is not a FileObject", ErrInvalidArgument, childName)
		}
		if child.name != childName {
			return nil, fmt.Errorf("%w: object stored under %q is named %q", ErrInvalidArgument, childName, child.name)
		}
		if err := ValidateName(childName); err != nil {
			return nil, err
		}
	}

	if key != nil && len(objects) > 0 {
		return nil, fmt.Errorf("%w: an object cannot define both a key and objects", ErrInvalidArgument)
	}
	if fileType == Directory && key != nil {
		return nil, fmt.Errorf("%w: an object of type DIRECTORY cannot define a key", ErrInvalidArgument)
	}
	if fileType == File && len(objects) > 0 {
		return nil, fmt.Errorf("%w: an object of type FILE cannot define any objects", ErrInvalidArgument)
	}
	if fileType == File && key == nil {
		return nil, fmt.Errorf("%w: an object of type FILE must define a key", ErrInvalidArgument)
	}

	obj := &FileObject{
		name:     name,
		fileType: fileType,
		objects:  make(map[string]*FileObject, len(objects)),
	}
	if key != nil {
		obj.key = *key
		obj.hasKey = true
	}
	for childName, child := range objects {
		obj.objects[childName] = child
	}
	return obj, nil
}

// NewDirectory creates a directory with the given children.
func NewDirectory(name string, objects map[string]*FileObject) (*FileObject, error) {
	return New(name, Directory, nil, objects)
}

// NewFile creates a file referencing content by key.
func NewFile(name, key string) (*FileObject, error) {
	return New(name, File, &key, nil)
}

// EmptyRoot returns an empty, unnamed directory.
func EmptyRoot() *FileObject {
	return &FileObject{fileType: Directory, objects: map[string]*FileObject{}}
}

// ValidateName checks that name can be used for a child object: a single,
// non-empty path segment of valid UTF-8. Serialized trees are JSON, which
// cannot carry other byte sequences unchanged.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: object name cannot be empty", ErrInvalidArgument)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: object name %q is not valid UTF-8", ErrInvalidArgument, name)
	case name == "." || name == "..":
		return fmt.Errorf("%w: object name %q is reserved", ErrInvalidArgument, name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: object name %q contains a path separator", ErrInvalidArgument, name)
	}
	return nil
}

// Name returns the name of the object. Only a root may have an empty name.
func (o *FileObject) Name() string { return o.name }

// FileType returns the type of the object.
func (o *FileObject) FileType() FileType { return o.fileType }

// IsDir reports whether the object is a directory.
func (o *FileObject) IsDir() bool { return o.fileType == Directory }

// Key returns the content key of a file. The second value is false for
// directories.
func (o *FileObject) Key() (string, bool) { return o.key, o.hasKey }

// Len returns the number of direct children.
func (o *FileObject) Len() int { return len(o.objects) }

// Child returns the direct child with the given name, or nil.
func (o *FileObject) Child(name string) *FileObject { return o.objects[name] }

// Objects returns a copy of the children keyed by name.
func (o *FileObject) Objects() map[string]*FileObject {
	out := make(map[string]*FileObject, len(o.objects))
	for name, child := range o.objects {
		out[name] = child
	}
	return out
}

// Names returns the names of the direct children in sorted order.
func (o *FileObject) Names() []string {
	names := make([]string, 0, len(o.objects))
	for name := range o.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rename returns a copy of o carrying a different name. Children are shared.
func (o *FileObject) Rename(name string) *FileObject {
	c := *o
	c.name = name
	return &c
}

// WithChild returns a copy of directory o in which child replaces any existing
// object of the same name. Untouched children are shared with o.
func (o *FileObject) WithChild(child *FileObject) (*FileObject, error) {
	if o.fileType != Directory {
		return nil, fmt.Errorf("%w: cannot add %q to FILE %q", ErrInvalidArgument, child.Name(), o.name)
	}
	objects := o.Objects()
	objects[child.Name()] = child
	return New(o.name, Directory, nil, objects)
}

// WithoutChild returns a copy of directory o without the named child.
func (o *FileObject) WithoutChild(name string) *FileObject {
	if _, ok := o.objects[name]; !ok {
		return o
	}
	c := *o
	c.objects = o.Objects()
	delete(c.objects, name)
	return &c
}

// Equal reports whether o and other are structurally equal. Child order does
// not matter.
func (o *FileObject) Equal(other *FileObject) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.name != other.name || o.fileType != other.fileType || o.hasKey != other.hasKey || o.key != other.key {
		return false
	}
	if len(o.objects) != len(other.objects) {
		return false
	}
	for name, child := range o.objects {
		otherChild, ok := other.objects[name]
		if !ok || !child.Equal(otherChild) {
			return false
		}
	}
	return true
}

// Digest returns a hex sha256 over the name, type, key and the sorted child
// digests. Equal objects have equal digests.
func (o *FileObject) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s\x00%d\x00", len(o.name), o.name, o.fileType)
	if o.hasKey {
		fmt.Fprintf(h, "k%d:%s\x00", len(o.key), o.key)
	}
	for _, name := range o.Names() {
		fmt.Fprintf(h, "o%s\x00", o.objects[name].Digest())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (o *FileObject) String() string {
	key := "<nil>"
	if o.hasKey {
		key = o.key
	}
	return fmt.Sprintf("FileObject<name=%s, file_type=%d, key=%s, objects=%v>", o.name, int(o.fileType), key, o.Names())
}
