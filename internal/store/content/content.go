// Package content implements the content-addressed store directory: closure
// computation over PathInfo references, a GC-root directory of symlinks,
// and mark-and-sweep garbage collection.
package content

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"

	"lukechampine.com/blake3"

	"github.com/redoxnix/guestagent/internal/store/pathinfo"
	"github.com/redoxnix/guestagent/pkg/errors"
)

// Closure is the result of a BFS walk over a path's references.
type Closure struct {
	Root         string
	Paths        []string
	TotalNarSize int64
}

// Store pairs the on-disk store directory with its PathInfo database and
// GC-root directory.
type Store struct {
	storeDir string
	rootsDir string
	paths    *pathinfo.Store
}

// Open returns a Store rooted at storeDir, backed by the PathInfo database
// in infoDir and the GC-root symlinks in rootsDir.
func Open(storeDir, infoDir, rootsDir string) *Store {
	return &Store{
		storeDir: storeDir,
		rootsDir: rootsDir,
		paths:    pathinfo.Open(infoDir),
	}
}

// PathInfo exposes the underlying PathInfo database for callers that need
// direct registration access.
func (s *Store) PathInfo() *pathinfo.Store { return s.paths }

// Closure performs a BFS over root's references. A reference whose
// PathInfo is absent fails loudly naming the missing path. Revisiting an
// already-visited path (including root referencing itself) is a no-op.
func (s *Store) Closure(root string) (Closure, error) {
	visited := map[string]bool{}
	var order []string
	var total int64

	queue := []string{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p] {
			continue
		}
		visited[p] = true

		info, ok, err := s.paths.Get(p)
		if err != nil {
			return Closure{}, err
		}
		if !ok {
			return Closure{}, errors.NewError(errors.ErrCodePathInfoNotFound, "closure reference is not registered").
				WithComponent("content").WithOperation("closure").WithDetail("path", p)
		}

		order = append(order, p)
		total += info.NarSize
		queue = append(queue, info.References...)
	}

	return Closure{Root: root, Paths: order, TotalNarSize: total}, nil
}

// AddRoot validates target as a syntactically valid store path, replaces
// any existing root of the same name, and creates the symlink.
func (s *Store) AddRoot(name, target string) error {
	if !pathinfo.ValidStorePath(target) {
		return errors.NewError(errors.ErrCodePathInvalid, "gc root target is not a valid store path").
			WithComponent("content").WithOperation("add_root").WithDetail("target", target)
	}
	if err := os.MkdirAll(s.rootsDir, 0750); err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to create gc-roots directory").
			WithComponent("content").WithCause(err)
	}

	link := filepath.Join(s.rootsDir, name)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to remove existing gc root").
			WithComponent("content").WithCause(err)
	}
	if err := os.Symlink(target, link); err != nil {
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to create gc root symlink").
			WithComponent("content").WithCause(err)
	}
	return nil
}

// RemoveRoot deletes the named root. Fails if absent.
func (s *Store) RemoveRoot(name string) error {
	link := filepath.Join(s.rootsDir, name)
	if err := os.Remove(link); err != nil {
		if os.IsNotExist(err) {
			return errors.NewError(errors.ErrCodeEntryNotFound, "gc root does not exist").
				WithComponent("content").WithOperation("remove_root").WithDetail("name", name)
		}
		return errors.NewError(errors.ErrCodeStoreWriteFailed, "failed to remove gc root").
			WithComponent("content").WithCause(err)
	}
	return nil
}

// Root is one entry returned by ListRoots.
type Root struct {
	Name   string
	Target string
}

// ListRoots returns every GC root, sorted by name.
func (s *Store) ListRoots() ([]Root, error) {
	entries, err := os.ReadDir(s.rootsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreReadFailed, "failed to list gc-roots directory").
			WithComponent("content").WithCause(err)
	}

	var roots []Root
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(s.rootsDir, e.Name()))
		if err != nil {
			continue
		}
		roots = append(roots, Root{Name: e.Name(), Target: target})
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
	return roots, nil
}

// Warning records a non-fatal condition surfaced during a live-set scan or
// GC sweep.
type Warning struct {
	Message string
}

// liveSet computes the union of closures of every root's target. A root
// whose target is unregistered, or whose closure fails, contributes
// nothing to the live set and produces a warning rather than aborting.
func (s *Store) liveSet() (map[string]bool, []Warning, error) {
	roots, err := s.ListRoots()
	if err != nil {
		return nil, nil, err
	}

	live := map[string]bool{}
	var warnings []Warning
	for _, r := range roots {
		if !s.paths.IsRegistered(r.Target) {
			warnings = append(warnings, Warning{Message: "gc root " + r.Name + " targets unregistered path " + r.Target})
			continue
		}
		c, err := s.Closure(r.Target)
		if err != nil {
			warnings = append(warnings, Warning{Message: "closure failed under root " + r.Name + ": " + err.Error()})
			continue
		}
		for _, p := range c.Paths {
			live[p] = true
		}
	}
	return live, warnings, nil
}

// GCOptions configures a collection run.
type GCOptions struct {
	// DryRun reports what would be deleted without touching disk or the
	// PathInfo database.
	DryRun bool
	// Verify re-hashes each dead path's on-disk contents with blake3 and
	// compares it against the recorded NAR hash before deletion, warning
	// (not failing) on mismatch. Opt-in: default GC semantics are
	// unaffected.
	Verify bool
}

// GCResult summarizes a completed collection run.
type GCResult struct {
	PathsDeleted int
	PathsKept    int
	BytesFreed   int64
	Deleted      []string
	Warnings     []Warning
}

// GC performs mark-and-sweep collection: every registered path not in the
// live set (union of closures of every GC root) is dead. Zero roots is a
// valid configuration and collects everything; this is intentional and
// only surfaces as a warning.
func (s *Store) GC(ctx context.Context, opts GCOptions) (GCResult, error) {
	all, err := s.paths.ListPaths()
	if err != nil {
		return GCResult{}, err
	}

	live, warnings, err := s.liveSet()
	if err != nil {
		return GCResult{}, err
	}

	roots, err := s.ListRoots()
	if err != nil {
		return GCResult{}, err
	}
	if len(roots) == 0 {
		warnings = append(warnings, Warning{Message: "no gc roots defined; collecting all registered paths"})
	}

	result := GCResult{PathsKept: len(live), Warnings: warnings}

	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if live[p] {
			continue
		}

		info, ok, err := s.paths.Get(p)
		if err != nil {
			result.Warnings = append(result.Warnings, Warning{Message: "skipping " + p + ": " + err.Error()})
			continue
		}
		if !ok {
			continue
		}

		if opts.Verify {
			if warn := s.verifyNarHash(p, info); warn != nil {
				result.Warnings = append(result.Warnings, *warn)
			}
		}

		size, sizeErr := s.dirSize(p)

		if opts.DryRun {
			result.Deleted = append(result.Deleted, p)
			result.PathsDeleted++
			if sizeErr == nil {
				result.BytesFreed += size
			}
			continue
		}

		if err := os.RemoveAll(p); err != nil {
			result.Warnings = append(result.Warnings, Warning{Message: "failed to remove " + p + ": " + err.Error()})
			continue
		}
		if err := s.paths.Delete(p); err != nil {
			result.Warnings = append(result.Warnings, Warning{Message: "failed to deregister " + p + ": " + err.Error()})
			continue
		}

		result.Deleted = append(result.Deleted, p)
		result.PathsDeleted++
		if sizeErr == nil {
			result.BytesFreed += size
		}
	}

	return result, nil
}

func (s *Store) dirSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

func (s *Store) verifyNarHash(path string, info pathinfo.Info) *Warning {
	h := blake3.New(32, nil)
	err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return readErr
		}
		_, writeErr := h.Write(data)
		return writeErr
	})
	if err != nil {
		return &Warning{Message: "nar hash verification failed for " + path + ": " + err.Error()}
	}

	sum := h.Sum(nil)
	computed := hex.EncodeToString(sum)
	if info.NarHash != "" && computed != info.NarHash {
		return &Warning{Message: "nar hash mismatch for " + path + ": expected " + info.NarHash + " got " + computed}
	}
	return nil
}
