// Package pathinfo provides the filesystem-backed per-store-path metadata
// registry: one JSON file per registered path, keyed by the hash component
// of the store path.
package pathinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/redoxnix/guestagent/pkg/errors"
)

// storePathPattern matches "<hash>-<name>" where hash is a 32-character
// lowercase base-32 digest, the nix-style store path naming convention.
var storePathPattern = regexp.MustCompile(`^[0-9a-z]{32}-.+$`)

// Info is the metadata recorded for one registered store path.
type Info struct {
	StorePath    string    `json:"storePath"`
	NarHash      string    `json:"narHash"`
	NarSize      int64     `json:"narSize"`
	References   []string  `json:"references"`
	Deriver      string    `json:"deriver,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	Signatures   []string  `json:"signatures,omitempty"`
}

// Store is a directory of per-path JSON files.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating the directory lazily on
// first write rather than on Open.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

func hashOf(storePath string) string {
	base := filepath.Base(storePath)
	if idx := indexByte(base, '-'); idx >= 0 {
		return base[:idx]
	}
	return base
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.dir, hash+".json")
}

// Get returns the Info for storePath, or (Info{}, false, nil) if absent.
// A malformed JSON file fails with ErrCodePathInfoCorrupt naming the file.
func (s *Store) Get(storePath string) (Info, bool, error) {
	file := s.pathFor(hashOf(storePath))

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, errors.NewError(errors.ErrCodeStoreReadFailed, "failed to read pathinfo file").
			WithComponent("pathinfo").WithDetail("file", file).WithCause(err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, false, errors.NewError(errors.ErrCodePathInfoCorrupt, "pathinfo file is corrupt").
			WithComponent("pathinfo").WithDetail("file", file).WithCause(err)
	}
	return info, true, nil
}

// Register writes info's JSON, overwriting any prior entry for the same
// hash, via a write-to-temp-then-rename for crash safety.
func (s *Store) Register(info Info) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to create pathinfo directory").
			WithComponent("pathinfo").WithCause(err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to marshal pathinfo").
			WithComponent("pathinfo").WithCause(err)
	}

	file := s.pathFor(hashOf(info.StorePath))
	tmp, err := os.CreateTemp(s.dir, ".pathinfo-*.tmp")
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to create temp pathinfo file").
			WithComponent("pathinfo").WithCause(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to write pathinfo").
			WithComponent("pathinfo").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to close pathinfo temp file").
			WithComponent("pathinfo").WithCause(err)
	}

	if err := os.Rename(tmp.Name(), file); err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to rename pathinfo into place").
			WithComponent("pathinfo").WithDetail("file", file).WithCause(err)
	}
	return nil
}

// IsRegistered reports whether storePath has a pathinfo file.
func (s *Store) IsRegistered(storePath string) bool {
	_, err := os.Stat(s.pathFor(hashOf(storePath)))
	return err == nil
}

// Delete removes storePath's pathinfo file. Idempotent.
func (s *Store) Delete(storePath string) error {
	err := os.Remove(s.pathFor(hashOf(storePath)))
	if err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to delete pathinfo").
			WithComponent("pathinfo").WithCause(err)
	}
	return nil
}

// ListPaths returns the sorted set of registered store paths.
func (s *Store) ListPaths() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreReadFailed, "failed to list pathinfo directory").
			WithComponent("pathinfo").WithCause(err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		paths = append(paths, info.StorePath)
	}

	sort.Strings(paths)
	return paths, nil
}

// ValidStorePath reports whether p looks like "<dir>/<hash>-<name>".
func ValidStorePath(p string) bool {
	return storePathPattern.MatchString(filepath.Base(p))
}
