package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/redoxnix/guestagent/pkg/errors"
)

// Load reads and decodes a manifest from path. A missing optional section
// decodes to its zero value, which the rest of this package treats as the
// well-defined default.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.NewError(errors.ErrCodeManifestCorrupt, "failed to read manifest").
			WithComponent("manifest").WithDetail("path", path).WithCause(err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.NewError(errors.ErrCodeManifestCorrupt, "manifest is corrupt").
			WithComponent("manifest").WithDetail("path", path).WithCause(err)
	}
	return m, nil
}

// Save writes m to path as pretty-printed JSON via write-to-temp-then-rename.
func Save(path string, m Manifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create manifest directory").
			WithComponent("manifest").WithCause(err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal manifest").
			WithComponent("manifest").WithCause(err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create temp manifest file").
			WithComponent("manifest").WithCause(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write manifest").
			WithComponent("manifest").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to close temp manifest file").
			WithComponent("manifest").WithCause(err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to rename manifest into place").
			WithComponent("manifest").WithDetail("path", path).WithCause(err)
	}
	return nil
}

// Exists reports whether a manifest file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
