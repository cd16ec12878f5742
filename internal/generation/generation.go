// Package generation scans the on-disk generation directory: one
// subdirectory per generation, named by its decimal id, each holding a
// manifest.json.
package generation

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/redoxnix/guestagent/internal/manifest"
	"github.com/redoxnix/guestagent/pkg/errors"
	"github.com/redoxnix/guestagent/pkg/utils"
)

// Entry is one scanned generation: its id and the manifest stored under it.
type Entry struct {
	ID       uint64
	Manifest manifest.Manifest
}

// Registry manages the generation directory and the fixed current-manifest
// path that lives outside it.
type Registry struct {
	genDir  string
	current string
	log     *utils.StructuredLogger
}

// New returns a Registry rooted at genDir, with the live manifest at
// currentManifestPath. log may be nil, in which case scan warnings are
// silently dropped.
func New(genDir, currentManifestPath string, log *utils.StructuredLogger) *Registry {
	return &Registry{genDir: genDir, current: currentManifestPath, log: log}
}

func (r *Registry) warnf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Warnf(format, args...)
	}
}

// manifestPath returns the manifest.json path for generation id.
func (r *Registry) manifestPath(id uint64) string {
	return filepath.Join(r.genDir, strconv.FormatUint(id, 10), "manifest.json")
}

// List scans the generation directory, sorted by id ascending.
// Non-numeric subdirectory names are skipped silently; a manifest that
// fails to parse is logged and skipped rather than aborting the scan.
func (r *Registry) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(r.genDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeGenerationNotFound, "failed to scan generation directory").
			WithComponent("generation").WithCause(err)
	}

	var ids []uint64
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(de.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var entries []Entry
	for _, id := range ids {
		m, err := manifest.Load(r.manifestPath(id))
		if err != nil {
			r.warnf("skipping generation %d: %v", id, err)
			continue
		}
		entries = append(entries, Entry{ID: id, Manifest: m})
	}
	return entries, nil
}

// Get loads one generation by id.
func (r *Registry) Get(id uint64) (manifest.Manifest, error) {
	m, err := manifest.Load(r.manifestPath(id))
	if err != nil {
		return manifest.Manifest{}, errors.NewError(errors.ErrCodeGenerationNotFound, "generation not found").
			WithComponent("generation").WithDetail("id", id).WithCause(err)
	}
	return m, nil
}

// Persist writes m as generation id's archived manifest, unless that file
// already exists.
func (r *Registry) Persist(id uint64, m manifest.Manifest) error {
	path := r.manifestPath(id)
	if manifest.Exists(path) {
		return nil
	}
	return manifest.Save(path, m)
}

// PersistForce writes m as generation id's archived manifest unconditionally.
func (r *Registry) PersistForce(id uint64, m manifest.Manifest) error {
	return manifest.Save(r.manifestPath(id), m)
}

// LoadCurrent reads the live manifest.
func (r *Registry) LoadCurrent() (manifest.Manifest, error) {
	return manifest.Load(r.current)
}

// SaveCurrent overwrites the live manifest path with m.
func (r *Registry) SaveCurrent(m manifest.Manifest) error {
	return manifest.Save(r.current, m)
}

// NextID computes the next generation id: one greater than the larger of
// the highest stored generation id and current's own id.
func (r *Registry) NextID(current manifest.Manifest) (uint64, error) {
	entries, err := r.List()
	if err != nil {
		return 0, err
	}

	maxStored := uint64(0)
	for _, e := range entries {
		if e.ID > maxStored {
			maxStored = e.ID
		}
	}

	maxID := maxStored
	if current.Generation.ID > maxID {
		maxID = current.Generation.ID
	}
	return maxID + 1, nil
}
