package migration

import (
	"errors"
	"fmt"
)

// ErrMetadataVersion is returned when an archive is not at the version a
// migration expects.
var ErrMetadataVersion = errors.New("unexpected export version")

const exportVersionField = "export_version"

// VerifyMetadataVersion checks that metadata declares version.
func VerifyMetadataVersion(metadata map[string]any, version string) error {
	got, ok := metadata[exportVersionField].(string)
	if !ok {
		return fmt.Errorf("%w: metadata has no %s", ErrMetadataVersion, exportVersionField)
	}
	if got != version {
		return fmt.Errorf("%w: archive is at %s, expected %s", ErrMetadataVersion, got, version)
	}
	return nil
}

// UpdateMetadata sets the export version and records the conversion in
// conversion_info.
func UpdateMetadata(metadata map[string]any, version, producer string) {
	old, _ := metadata[exportVersionField].(string)
	info, _ := metadata["conversion_info"].([]any)
	info = append(info, fmt.Sprintf("Converted from version %s to %s with %s", old, version, producer))
	metadata["conversion_info"] = info
	metadata[exportVersionField] = version
}
