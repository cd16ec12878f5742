// Package activation implements the activation planner and engine: diffing
// two manifests into a plan, and executing that plan against the live
// system (atomic profile swap, config-file reconciliation, GC-root update).
package activation

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/redoxnix/guestagent/internal/manifest"
)

// PackageChange describes a package whose version or store path differs
// between two manifests.
type PackageChange struct {
	Name         string
	OldVersion   string
	NewVersion   string
	OldStorePath string
	NewStorePath string
}

// ConfigChange describes a config file whose content hash differs.
type ConfigChange struct {
	Path    string
	OldHash string
	NewHash string
}

// Plan is the complete diff between an old and a new manifest.
type Plan struct {
	PackagesAdded       []string
	PackagesRemoved     []string
	PackagesChanged     []PackageChange
	ConfigFilesAdded    []string
	ConfigFilesRemoved  []string
	ConfigFilesChanged  []ConfigChange
	ServicesAdded       []string
	ServicesRemoved     []string
	UsersAdded          []string
	UsersRemoved        []string
	UsersChanged        []string
	ProfileNeedsRebuild bool
	ProfileBinaryCount  uint32
}

// IsEmpty reports whether the plan has nothing to do.
func (p Plan) IsEmpty() bool {
	return len(p.PackagesAdded) == 0 && len(p.PackagesRemoved) == 0 && len(p.PackagesChanged) == 0 &&
		len(p.ConfigFilesAdded) == 0 && len(p.ConfigFilesRemoved) == 0 && len(p.ConfigFilesChanged) == 0 &&
		len(p.ServicesAdded) == 0 && len(p.ServicesRemoved) == 0 &&
		len(p.UsersAdded) == 0 && len(p.UsersRemoved) == 0 && len(p.UsersChanged) == 0
}

// ComputePlan diffs old against new. Plan computation cannot fail.
func ComputePlan(old, new manifest.Manifest) Plan {
	packagesAdded, packagesRemoved, packagesChanged := diffPackages(old.Packages, new.Packages)
	configAdded, configRemoved, configChanged := diffConfigFiles(old.Files, new.Files)
	servicesAdded, servicesRemoved := diffServices(old.Services, new.Services)
	usersAdded, usersRemoved, usersChanged := diffUsers(old.Users, new.Users)

	return Plan{
		PackagesAdded:       packagesAdded,
		PackagesRemoved:     packagesRemoved,
		PackagesChanged:     packagesChanged,
		ConfigFilesAdded:    configAdded,
		ConfigFilesRemoved:  configRemoved,
		ConfigFilesChanged:  configChanged,
		ServicesAdded:       servicesAdded,
		ServicesRemoved:     servicesRemoved,
		UsersAdded:          usersAdded,
		UsersRemoved:        usersRemoved,
		UsersChanged:        usersChanged,
		ProfileNeedsRebuild: len(packagesAdded) > 0 || len(packagesRemoved) > 0 || len(packagesChanged) > 0,
		ProfileBinaryCount:  countProfileBinaries(new.Packages),
	}
}

func diffPackages(old, new []manifest.Package) ([]string, []string, []PackageChange) {
	oldByName := make(map[string]manifest.Package, len(old))
	for _, p := range old {
		oldByName[p.Name] = p
	}
	newByName := make(map[string]manifest.Package, len(new))
	for _, p := range new {
		newByName[p.Name] = p
	}

	var added []string
	var changed []PackageChange
	for _, p := range new {
		oldPkg, ok := oldByName[p.Name]
		if !ok {
			added = append(added, p.Name)
			continue
		}
		if oldPkg.Version != p.Version || oldPkg.StorePath != p.StorePath {
			changed = append(changed, PackageChange{
				Name:         p.Name,
				OldVersion:   oldPkg.Version,
				NewVersion:   p.Version,
				OldStorePath: oldPkg.StorePath,
				NewStorePath: p.StorePath,
			})
		}
	}

	var removed []string
	for _, p := range old {
		if _, ok := newByName[p.Name]; !ok {
			removed = append(removed, p.Name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	return added, removed, changed
}

func diffConfigFiles(old, new map[string]manifest.FileInfo) ([]string, []string, []ConfigChange) {
	var added []string
	var changed []ConfigChange
	for path, newInfo := range new {
		oldInfo, ok := old[path]
		if !ok {
			added = append(added, path)
			continue
		}
		if oldInfo.Blake3 != newInfo.Blake3 {
			changed = append(changed, ConfigChange{Path: path, OldHash: oldInfo.Blake3, NewHash: newInfo.Blake3})
		}
	}

	var removed []string
	for path := range old {
		if _, ok := new[path]; !ok {
			removed = append(removed, path)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Path < changed[j].Path })
	return added, removed, changed
}

func diffServices(old, new manifest.Services) ([]string, []string) {
	oldSet := toSet(old.InitScripts)
	newSet := toSet(new.InitScripts)

	var added, removed []string
	for s := range newSet {
		if !oldSet[s] {
			added = append(added, s)
		}
	}
	for s := range oldSet {
		if !newSet[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func diffUsers(old, new map[string]manifest.User) ([]string, []string, []string) {
	var added, changed []string
	for name, u := range new {
		oldUser, ok := old[name]
		if !ok {
			added = append(added, name)
			continue
		}
		if oldUser.UID != u.UID || oldUser.GID != u.GID || oldUser.Home != u.Home || oldUser.Shell != u.Shell {
			changed = append(changed, name)
		}
	}

	var removed []string
	for name := range old {
		if _, ok := new[name]; !ok {
			removed = append(removed, name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

func countProfileBinaries(packages []manifest.Package) uint32 {
	var count uint32
	for _, pkg := range packages {
		if pkg.StorePath == "" {
			continue
		}
		binDir := filepath.Join(pkg.StorePath, "bin")
		entries, err := os.ReadDir(binDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				count++
			}
		}
	}
	return count
}

// HasBootConfigChanged reports whether any boot-critical setting differs
// between old and new.
func HasBootConfigChanged(old, new manifest.Manifest) bool {
	if !equalStrings(old.Drivers.Initfs, new.Drivers.Initfs) {
		return true
	}
	if old.Configuration.Boot.DiskSizeMB != new.Configuration.Boot.DiskSizeMB {
		return true
	}
	return !equalStrings(old.Configuration.Hardware.StorageDrivers, new.Configuration.Hardware.StorageDrivers)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
