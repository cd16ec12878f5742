package manifest

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"github.com/redoxnix/guestagent/pkg/errors"
)

// HashTree walks root and returns the FileInfo inventory (blake3 hash, size,
// and mode) for every entry that is not a directory, keyed by its path
// relative to root.
// This is what the original install step uses to populate a manifest's
// Files section; the distilled spec only models the result as a data field,
// not the operation that produces it.
func HashTree(root string) (map[string]FileInfo, error) {
	files := make(map[string]FileInfo)

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		sum := blake3.Sum256(data)
		files[rel] = FileInfo{
			Blake3: hex.EncodeToString(sum[:]),
			Size:   info.Size(),
			Mode:   permString(info.Mode()),
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreReadFailed, "failed to hash file tree").
			WithComponent("manifest").WithDetail("root", root).WithCause(err)
	}

	return files, nil
}

func permString(mode fs.FileMode) string {
	return fmt.Sprintf("%03o", mode.Perm())
}
