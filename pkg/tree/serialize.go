package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
)

// ErrMalformedData is returned when serialized data matches neither format.
var ErrMalformedData = errors.New("malformed data")

// Format selects a serialization format for a FileObject tree.
type Format int

const (
	// Compact omits names and types: {} for an empty directory,
	// {"o": {...}} for a directory, {"k": key} for a file. The root name is
	// not stored.
	Compact Format = iota
	// Explicit stores name, file_type, key and objects on every node.
	Explicit
)

func (f Format) String() string {
	switch f {
	case Compact:
		return "compact"
	case Explicit:
		return "explicit"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat parses "compact" or "explicit".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "compact", "":
		return Compact, nil
	case "explicit":
		return Explicit, nil
	default:
		return 0, fmt.Errorf("unknown format: %s", s)
	}
}

const (
	compactKey     = "k"
	compactObjects = "o"
)

type explicitNode struct {
	Name     string                   `json:"name"`
	FileType int                      `json:"file_type"`
	Key      *string                  `json:"key"`
	Objects  map[string]*explicitNode `json:"objects"`
}

// Serialize encodes obj in the given format. Output is deterministic: object
// members are emitted in sorted order. Names are written as is, without
// HTML escaping.
func Serialize(obj *models.FileObject, format Format) (json.RawMessage, error) {
	var v any
	switch format {
	case Compact:
		v = toCompact(obj)
	case Explicit:
		v = toExplicit(obj)
	default:
		return nil, fmt.Errorf("unknown format: %d", int(format))
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func toCompact(obj *models.FileObject) map[string]any {
	if key, ok := obj.Key(); ok {
		return map[string]any{compactKey: key}
	}
	if obj.Len() == 0 {
		return map[string]any{}
	}
	objects := make(map[string]any, obj.Len())
	for name, child := range obj.Objects() {
		objects[name] = toCompact(child)
	}
	return map[string]any{compactObjects: objects}
}

func toExplicit(obj *models.FileObject) *explicitNode {
	node := &explicitNode{
		Name:     obj.Name(),
		FileType: int(obj.FileType()),
		Objects:  make(map[string]*explicitNode, obj.Len()),
	}
	if key, ok := obj.Key(); ok {
		node.Key = &key
	}
	for name, child := range obj.Objects() {
		node.Objects[name] = toExplicit(child)
	}
	return node
}

// Deserialize decodes data in the given format. For the compact format the
// root name must be supplied since it is not stored; the explicit format
// carries its own name and ignores the argument.
func Deserialize(data []byte, format Format, name string) (*models.FileObject, error) {
	switch format {
	case Compact:
		return fromCompact(data, name)
	case Explicit:
		return fromExplicit(data)
	default:
		return nil, fmt.Errorf("unknown format: %d", int(format))
	}
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedData)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return fields, nil
}

func fromCompact(data []byte, name string) (*models.FileObject, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	for field := range fields {
		if field != compactKey && field != compactObjects {
			return nil, fmt.Errorf("%w: unexpected member %q", ErrMalformedData, field)
		}
	}

	rawKey, hasKey := fields[compactKey]
	rawObjects, hasObjects := fields[compactObjects]
	if hasKey && hasObjects {
		return nil, fmt.Errorf("%w: %q defines both a key and objects", ErrMalformedData, name)
	}

	if hasKey {
		var key *string
		if err := json.Unmarshal(rawKey, &key); err != nil || key == nil {
			return nil, fmt.Errorf("%w: key of %q is not a string", ErrMalformedData, name)
		}
		return wrapInvalid(models.NewFile(name, *key))
	}

	objects := map[string]*models.FileObject{}
	if hasObjects {
		children, err := decodeObject(rawObjects)
		if err != nil {
			return nil, fmt.Errorf("objects of %q: %w", name, err)
		}
		for childName, raw := range children {
			child, err := fromCompact(raw, childName)
			if err != nil {
				return nil, err
			}
			objects[childName] = child
		}
	}
	return wrapInvalid(models.NewDirectory(name, objects))
}

func fromExplicit(data []byte) (*models.FileObject, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	for _, required := range []string{"name", "file_type", "key", "objects"} {
		if _, ok := fields[required]; !ok {
			return nil, fmt.Errorf("%w: missing member %q", ErrMalformedData, required)
		}
	}
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: unexpected members in explicit node", ErrMalformedData)
	}

	var name string
	if err := json.Unmarshal(fields["name"], &name); err != nil {
		return nil, fmt.Errorf("%w: name is not a string", ErrMalformedData)
	}
	var fileType int
	if err := json.Unmarshal(fields["file_type"], &fileType); err != nil {
		return nil, fmt.Errorf("%w: file_type of %q is not an integer", ErrMalformedData, name)
	}
	if !models.FileType(fileType).Valid() {
		return nil, fmt.Errorf("%w: file_type %d of %q is not recognized", ErrMalformedData, fileType, name)
	}
	var key *string
	if err := json.Unmarshal(fields["key"], &key); err != nil {
		return nil, fmt.Errorf("%w: key of %q is not a string or null", ErrMalformedData, name)
	}

	children, err := decodeObject(fields["objects"])
	if err != nil {
		return nil, fmt.Errorf("objects of %q: %w", name, err)
	}
	objects := make(map[string]*models.FileObject, len(children))
	for childName, raw := range children {
		child, err := fromExplicit(raw)
		if err != nil {
			return nil, err
		}
		if child.Name() != childName {
			return nil, fmt.Errorf("%w: object stored under %q is named %q", ErrMalformedData, childName, child.Name())
		}
		objects[childName] = child
	}
	return wrapInvalid(models.New(name, models.FileType(fileType), key, objects))
}

// wrapInvalid reports constructor failures during decoding as malformed data.
func wrapInvalid(obj *models.FileObject, err error) (*models.FileObject, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return obj, nil
}
