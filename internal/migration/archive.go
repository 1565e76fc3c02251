package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	metadataFile = "metadata.json"
	dataFile     = "data.json"

	// RepositoryMetadataField is the node attribute holding the serialized
	// repository tree.
	RepositoryMetadataField = "repository_metadata"
)

// Archive is an extracted export archive folder. Metadata and Data hold the
// decoded metadata.json and data.json; migrations mutate them in place and
// Save writes them back.
type Archive struct {
	Folder   string
	Metadata map[string]any
	Data     map[string]any
}

var _ NodeStore = (*Archive)(nil)

// OpenArchive reads metadata.json and data.json from folder.
func OpenArchive(folder string) (*Archive, error) {
	a := &Archive{Folder: folder}
	if err := readJSON(filepath.Join(folder, metadataFile), &a.Metadata); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(folder, dataFile), &a.Data); err != nil {
		return nil, err
	}
	if a.Metadata == nil || a.Data == nil {
		return nil, fmt.Errorf("archive %s: metadata or data is not a JSON object", folder)
	}
	return a, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Save writes metadata.json and data.json back to the folder.
func (a *Archive) Save() error {
	if err := writeJSON(filepath.Join(a.Folder, dataFile), a.Data); err != nil {
		return err
	}
	return writeJSON(filepath.Join(a.Folder, metadataFile), a.Metadata)
}

// writeJSON replaces path atomically. The temporary file is synced before
// the rename so a crash leaves either the old or the new document.
func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	_, err = tmp.Write(buf.Bytes())
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// nodeEntries returns data["export_data"]["Node"], which maps primary keys
// to node attributes.
func (a *Archive) nodeEntries() (map[string]any, error) {
	exportData, _ := a.Data["export_data"].(map[string]any)
	if exportData == nil {
		return nil, nil
	}
	raw, ok := exportData["Node"]
	if !ok {
		return nil, nil
	}
	nodes, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("export_data.Node is %T, want an object", raw)
	}
	return nodes, nil
}

// ListNodes returns the archive's nodes ordered by primary key.
func (a *Archive) ListNodes(context.Context) ([]Node, error) {
	entries, err := a.nodeEntries()
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(entries))
	for id, raw := range entries {
		values, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %s is %T, want an object", id, raw)
		}
		u, ok := values["uuid"].(string)
		if !ok {
			return nil, fmt.Errorf("node %s has no uuid", id)
		}
		nodes = append(nodes, Node{ID: id, UUID: u})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// StoreRepositoryMetadata sets the repository metadata attribute of each
// node in metadata, keyed by node ID, and writes data.json. The mapping is
// on disk once it returns, before any legacy folder is removed.
func (a *Archive) StoreRepositoryMetadata(_ context.Context, metadata map[string]json.RawMessage) error {
	entries, err := a.nodeEntries()
	if err != nil {
		return err
	}
	for id, blob := range metadata {
		values, ok := entries[id].(map[string]any)
		if !ok {
			return fmt.Errorf("node %s not in archive", id)
		}
		var decoded any
		if err := json.Unmarshal(blob, &decoded); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		values[RepositoryMetadataField] = decoded
	}
	return writeJSON(filepath.Join(a.Folder, dataFile), a.Data)
}

// MarkRepositoryMetadataField declares the repository metadata attribute in
// metadata["all_fields_info"]["Node"].
func (a *Archive) MarkRepositoryMetadataField(context.Context) error {
	fields := childObject(a.Metadata, "all_fields_info")
	node := childObject(fields, "Node")
	node[RepositoryMetadataField] = map[string]any{}
	return nil
}

func childObject(parent map[string]any, name string) map[string]any {
	child, ok := parent[name].(map[string]any)
	if !ok {
		child = map[string]any{}
		parent[name] = child
	}
	return child
}
