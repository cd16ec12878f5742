package activation

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"

	"github.com/redoxnix/guestagent/internal/manifest"
	"github.com/redoxnix/guestagent/internal/store/content"
	"github.com/redoxnix/guestagent/pkg/errors"
	"github.com/redoxnix/guestagent/pkg/retry"
	"github.com/redoxnix/guestagent/pkg/utils"
)

// swapRetryer absorbs the transient "file busy" renames that show up when
// the profile's binaries are still mapped by a running process.
var swapRetryer = retry.New(retry.Config{
	MaxAttempts:  3,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
})

func renameRetryable(cause error) error {
	return errors.NewError(errors.ErrCodeResourceExhausted, "rename target busy, retrying").
		WithComponent("activation").WithOperation("swap-rename").WithCause(cause)
}

// Paths configures the filesystem locations the engine operates on.
type Paths struct {
	// ProfileBin is the live profile's bin directory, e.g. .../profile/bin.
	ProfileBin string
	// StagingBin is the scratch directory used to build the new profile
	// before it is renamed into place.
	StagingBin string
}

// Result summarizes one activation run.
type Result struct {
	BinariesLinked     uint32
	ConfigFilesUpdated uint32
	Warnings           []string
	RebootRecommended  bool
}

// Engine executes activation plans against the live system.
type Engine struct {
	paths Paths
	roots *content.Store
	log   *utils.StructuredLogger
}

// NewEngine returns an Engine. roots may be nil, in which case GC-root
// updates are skipped with a warning. log may be nil.
func NewEngine(paths Paths, roots *content.Store, log *utils.StructuredLogger) *Engine {
	return &Engine{paths: paths, roots: roots, log: log}
}

// Activate runs plan(old, new) and, unless dryRun or the plan is empty,
// executes it: atomic profile swap, config-file reconciliation, GC-root
// update, and reboot-recommended detection, in that order.
func (e *Engine) Activate(ctx context.Context, old, new manifest.Manifest, dryRun bool) (Result, Plan, error) {
	p := ComputePlan(old, new)

	if dryRun || p.IsEmpty() {
		return Result{}, p, nil
	}

	var warnings []string

	binariesLinked := uint32(0)
	if p.ProfileNeedsRebuild {
		n, err := e.atomicProfileSwap(new.Packages)
		if err != nil {
			warnings = append(warnings, "atomic profile swap failed, using fallback: "+err.Error())
			n, err = e.fallbackProfileRebuild(new.Packages)
			if err != nil {
				warnings = append(warnings, "profile rebuild failed: "+err.Error())
				n = 0
			}
		}
		binariesLinked = n
	}

	configUpdated, configWarnings := e.updateConfigFiles(p.ConfigFilesAdded, p.ConfigFilesRemoved, p.ConfigFilesChanged)
	warnings = append(warnings, configWarnings...)

	warnings = append(warnings, e.updateGCRoots(new.Packages)...)

	reboot := len(p.ServicesAdded) > 0 || len(p.ServicesRemoved) > 0 || HasBootConfigChanged(old, new)

	return Result{
		BinariesLinked:     binariesLinked,
		ConfigFilesUpdated: configUpdated,
		Warnings:           warnings,
		RebootRecommended:  reboot,
	}, p, nil
}

// atomicProfileSwap builds the new profile in staging, then performs the
// three-rename atomic swap: staging→bin.new, bin→bin.old, bin.new→bin. A
// failure of the final rename rolls back the second.
func (e *Engine) atomicProfileSwap(packages []manifest.Package) (uint32, error) {
	profileBin := e.paths.ProfileBin
	profileBinNew := profileBin + ".new"
	profileBinOld := profileBin + ".old"
	stagingBin := e.paths.StagingBin

	cleanupPath(stagingBin)
	cleanupPath(profileBinNew)
	cleanupPath(profileBinOld)

	if err := os.MkdirAll(stagingBin, 0755); err != nil {
		return 0, errors.NewError(errors.ErrCodeSwapFailed, "failed to create staging directory").
			WithComponent("activation").WithCause(err)
	}

	count, err := populateProfileDir(stagingBin, packages)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeSwapFailed, "failed to populate staging profile").
			WithComponent("activation").WithCause(err)
	}

	if err := os.Rename(stagingBin, profileBinNew); err != nil {
		return 0, errors.NewError(errors.ErrCodeSwapFailed, "failed to stage new profile").
			WithComponent("activation").WithCause(err)
	}

	if parent := filepath.Dir(profileBin); parent != "." {
		_ = os.MkdirAll(parent, 0755)
	}

	hadOld := false
	if _, err := os.Lstat(profileBin); err == nil {
		_ = os.Chmod(filepath.Dir(profileBin), 0755)
		if err := os.Rename(profileBin, profileBinOld); err != nil {
			cleanupPath(profileBinNew)
			return 0, errors.NewError(errors.ErrCodeSwapFailed, "failed to retire current profile").
				WithComponent("activation").WithCause(err)
		}
		hadOld = true
	}

	swapErr := swapRetryer.Do(func() error {
		if err := finalSwapRename(profileBinNew, profileBin); err != nil {
			return renameRetryable(err)
		}
		return nil
	})
	if swapErr != nil {
		err := swapErr
		if hadOld {
			_ = os.Rename(profileBinOld, profileBin)
		}
		cleanupPath(profileBinNew)
		cleanupPath(stagingBin)
		return 0, errors.NewError(errors.ErrCodeSwapFailed, "atomic swap failed").
			WithComponent("activation").WithCause(err)
	}

	if hadOld {
		cleanupPath(profileBinOld)
	}
	cleanupPath(stagingBin)
	return count, nil
}

// fallbackProfileRebuild clears and repopulates the profile directory
// in-place, for filesystems that do not support the atomic rename sequence.
func (e *Engine) fallbackProfileRebuild(packages []manifest.Package) (uint32, error) {
	profileBin := e.paths.ProfileBin

	if _, err := os.Stat(profileBin); err == nil {
		_ = os.Chmod(profileBin, 0755)
		entries, err := os.ReadDir(profileBin)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			full := filepath.Join(profileBin, entry.Name())
			if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
				_ = os.Remove(full)
			}
		}
	} else if err := os.MkdirAll(profileBin, 0755); err != nil {
		return 0, err
	}

	return populateProfileDir(profileBin, packages)
}

// populateProfileDir symlinks every regular file under each package's
// bin/ into binDir. Later packages overwrite earlier ones with the same
// basename: deterministic, last-wins, by package list order.
func populateProfileDir(binDir string, packages []manifest.Package) (uint32, error) {
	var count uint32
	for _, pkg := range packages {
		if pkg.StorePath == "" {
			continue
		}
		pkgBin := filepath.Join(pkg.StorePath, "bin")
		entries, err := os.ReadDir(pkgBin)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			linkPath := filepath.Join(binDir, entry.Name())
			target := filepath.Join(pkgBin, entry.Name())

			if _, err := os.Lstat(linkPath); err == nil {
				if err := os.Remove(linkPath); err != nil {
					return count, err
				}
			}
			if err := os.Symlink(target, linkPath); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func cleanupPath(path string) {
	_ = os.RemoveAll(path)
}

// finalSwapRename performs the last rename of the atomic swap sequence. It
// is a variable so tests can inject a failure to exercise the rollback
// path without relying on a specific filesystem's rename quirks.
var finalSwapRename = os.Rename

// updateConfigFiles reconciles config-file state against the plan.
// Additions are verified present (they should have been materialized
// upstream); removals are unlinked; changes are hashed and, if the
// on-disk file already matches the new hash, left alone, otherwise
// flagged for redeploy. All failures become warnings, never errors.
func (e *Engine) updateConfigFiles(added, removed []string, changed []ConfigChange) (uint32, []string) {
	var warnings []string
	var updated uint32

	for _, path := range added {
		full := filepath.Join("/", path)
		if _, err := os.Stat(full); err != nil {
			warnings = append(warnings, "new config file /"+path+" not found on disk (expected from deployment)")
		}
	}

	for _, path := range removed {
		full := filepath.Join("/", path)
		if _, err := os.Stat(full); err != nil {
			continue
		}
		if err := os.Remove(full); err != nil {
			warnings = append(warnings, "could not remove /"+path+": "+err.Error())
			continue
		}
		updated++
	}

	for _, ch := range changed {
		full := filepath.Join("/", ch.Path)
		if _, err := os.Stat(full); err != nil {
			continue
		}
		hash, err := hashFileIfExists(full)
		if err != nil || hash != ch.NewHash {
			warnings = append(warnings, "config file /"+ch.Path+" needs update (hash mismatch): redeploy or reboot")
		}
		updated++
	}

	return updated, warnings
}

func hashFileIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// updateGCRoots deletes every root named "system-*" and adds one
// "system-<pkg>" root per package with a non-empty store path. Failures
// are warnings, never errors.
func (e *Engine) updateGCRoots(packages []manifest.Package) []string {
	if e.roots == nil {
		return []string{"gc-root update skipped: no content store configured"}
	}

	var warnings []string
	existing, err := e.roots.ListRoots()
	if err != nil {
		return []string{"gc-root update failed: " + err.Error()}
	}
	for _, r := range existing {
		if len(r.Name) >= 7 && r.Name[:7] == "system-" {
			if err := e.roots.RemoveRoot(r.Name); err != nil {
				warnings = append(warnings, "failed to remove gc root "+r.Name+": "+err.Error())
			}
		}
	}

	for _, pkg := range packages {
		if pkg.StorePath == "" {
			continue
		}
		name := "system-" + pkg.Name
		if err := e.roots.AddRoot(name, pkg.StorePath); err != nil {
			warnings = append(warnings, "failed to add gc root "+name+": "+err.Error())
		}
	}

	return warnings
}
