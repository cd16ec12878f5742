package activation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redoxnix/guestagent/internal/manifest"
	"github.com/redoxnix/guestagent/internal/store/content"
	"github.com/redoxnix/guestagent/internal/store/pathinfo"
)

func writePackageStore(t *testing.T, storeRoot, name string, binaries ...string) string {
	t.Helper()
	pkgDir := filepath.Join(storeRoot, name)
	binDir := filepath.Join(pkgDir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	for _, b := range binaries {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, b), []byte("#!/bin/sh\n"), 0755))
	}
	return pkgDir
}

func TestAtomicProfileSwapLinksBinaries(t *testing.T) {
	base := t.TempDir()
	storeRoot := filepath.Join(base, "store")
	pkgDir := writePackageStore(t, storeRoot, "aaa-ion-1.0.0", "ion")

	e := NewEngine(Paths{
		ProfileBin: filepath.Join(base, "profile", "bin"),
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	count, err := e.atomicProfileSwap([]manifest.Package{{Name: "ion", StorePath: pkgDir}})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	link := filepath.Join(base, "profile", "bin", "ion")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(pkgDir, "bin", "ion"), target)

	_, err = os.Stat(filepath.Join(base, "staging", "bin"))
	require.True(t, os.IsNotExist(err))
}

func TestAtomicProfileSwapLastWinsOnConflict(t *testing.T) {
	base := t.TempDir()
	storeRoot := filepath.Join(base, "store")
	pkg1 := writePackageStore(t, storeRoot, "aaa-one", "tool")
	pkg2 := writePackageStore(t, storeRoot, "bbb-two", "tool")

	e := NewEngine(Paths{
		ProfileBin: filepath.Join(base, "profile", "bin"),
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	_, err := e.atomicProfileSwap([]manifest.Package{
		{Name: "one", StorePath: pkg1},
		{Name: "two", StorePath: pkg2},
	})
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(base, "profile", "bin", "tool"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(pkg2, "bin", "tool"), target)
}

// TestAtomicProfileSwapRollsBackOnFinalRenameFailure covers E6: a
// pre-existing profile/bin with one symlink; the final rename is forced to
// fail; the original bin must be restored byte-for-byte and bin.new/bin.old
// must both be gone.
func TestAtomicProfileSwapRollsBackOnFinalRenameFailure(t *testing.T) {
	base := t.TempDir()
	storeRoot := filepath.Join(base, "store")
	oldPkg := writePackageStore(t, storeRoot, "aaa-old", "old-tool")
	newPkg := writePackageStore(t, storeRoot, "bbb-new", "new-tool")

	profileBin := filepath.Join(base, "profile", "bin")
	require.NoError(t, os.MkdirAll(profileBin, 0755))
	require.NoError(t, os.Symlink(filepath.Join(oldPkg, "bin", "old-tool"), filepath.Join(profileBin, "old-tool")))

	e := NewEngine(Paths{
		ProfileBin: profileBin,
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	original := finalSwapRename
	finalSwapRename = func(oldpath, newpath string) error {
		return errors.New("simulated rename failure")
	}
	defer func() { finalSwapRename = original }()

	_, err := e.atomicProfileSwap([]manifest.Package{{Name: "new", StorePath: newPkg}})
	require.Error(t, err)

	target, err := os.Readlink(filepath.Join(profileBin, "old-tool"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(oldPkg, "bin", "old-tool"), target)

	_, err = os.Lstat(profileBin + ".new")
	require.True(t, os.IsNotExist(err))
	_, err = os.Lstat(profileBin + ".old")
	require.True(t, os.IsNotExist(err))
}

// TestAtomicProfileSwapRetriesTransientRenameFailure covers the retried
// rename path: the first two attempts at the final rename fail as if the
// target were transiently busy, the third succeeds, and the swap completes.
func TestAtomicProfileSwapRetriesTransientRenameFailure(t *testing.T) {
	base := t.TempDir()
	storeRoot := filepath.Join(base, "store")
	newPkg := writePackageStore(t, storeRoot, "bbb-new", "new-tool")

	profileBin := filepath.Join(base, "profile", "bin")

	e := NewEngine(Paths{
		ProfileBin: profileBin,
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	attempts := 0
	original := finalSwapRename
	finalSwapRename = func(oldpath, newpath string) error {
		attempts++
		if attempts < 3 {
			return errors.New("simulated transient busy rename")
		}
		return os.Rename(oldpath, newpath)
	}
	defer func() { finalSwapRename = original }()

	count, err := e.atomicProfileSwap([]manifest.Package{{Name: "new", StorePath: newPkg}})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, 3, attempts)

	target, err := os.Readlink(filepath.Join(profileBin, "new-tool"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(newPkg, "bin", "new-tool"), target)
}

func TestActivateDryRunReturnsZerosWithoutTouchingDisk(t *testing.T) {
	base := t.TempDir()
	e := NewEngine(Paths{
		ProfileBin: filepath.Join(base, "profile", "bin"),
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	old := manifest.Manifest{}
	new := manifest.Manifest{Packages: []manifest.Package{{Name: "ion", StorePath: "/store/aaa-ion"}}}

	result, plan, err := e.Activate(context.Background(), old, new, true)
	require.NoError(t, err)
	require.True(t, plan.ProfileNeedsRebuild)
	require.Zero(t, result.BinariesLinked)

	_, statErr := os.Stat(filepath.Join(base, "profile"))
	require.True(t, os.IsNotExist(statErr))
}

func TestActivateEmptyPlanReturnsZeros(t *testing.T) {
	base := t.TempDir()
	e := NewEngine(Paths{
		ProfileBin: filepath.Join(base, "profile", "bin"),
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	m := manifest.Manifest{}
	result, plan, err := e.Activate(context.Background(), m, m, false)
	require.NoError(t, err)
	require.True(t, plan.IsEmpty())
	require.Zero(t, result.BinariesLinked)
	require.False(t, result.RebootRecommended)
}

func TestActivateRebootRecommendedOnServiceChange(t *testing.T) {
	base := t.TempDir()
	e := NewEngine(Paths{
		ProfileBin: filepath.Join(base, "profile", "bin"),
		StagingBin: filepath.Join(base, "staging", "bin"),
	}, nil, nil)

	old := manifest.Manifest{Services: manifest.Services{InitScripts: []string{"10_net"}}}
	new := manifest.Manifest{Services: manifest.Services{InitScripts: []string{"10_net", "20_ssh"}}}

	result, _, err := e.Activate(context.Background(), old, new, false)
	require.NoError(t, err)
	require.True(t, result.RebootRecommended)
}

func TestUpdateGCRootsReplacesSystemRoots(t *testing.T) {
	base := t.TempDir()
	store := content.Open(filepath.Join(base, "store"), filepath.Join(base, "pathinfo"), filepath.Join(base, "gcroots"))
	pkgPath := filepath.Join(base, "store", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-ion")
	require.NoError(t, os.MkdirAll(pkgPath, 0755))
	require.NoError(t, store.PathInfo().Register(pathinfo.Info{StorePath: pkgPath, NarSize: 10}))
	require.NoError(t, store.AddRoot("system-stale", pkgPath))

	e := NewEngine(Paths{}, store, nil)
	warnings := e.updateGCRoots([]manifest.Package{{Name: "ion", StorePath: pkgPath}})
	require.Empty(t, warnings)

	roots, err := store.ListRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "system-ion", roots[0].Name)
}
