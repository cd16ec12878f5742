// Package scheme adapts a guest OS's filesystem-scheme operations
// (open/read/write/stat/readdir/close on small integer handles) onto a
// virtiofs session. A handle table keyed by a monotonic counter is the
// pivot between the scheme-visible handle id and the FUSE nodeid/fh pair
// it resolves to.
package scheme

import (
	"context"
	"strings"
	"sync"

	"github.com/redoxnix/guestagent/internal/virtiofs/fuseabi"
	"github.com/redoxnix/guestagent/internal/virtiofs/session"
	"github.com/redoxnix/guestagent/pkg/errors"
)

// OStat is a stat-only open: the caller wants a handle good for fstat only,
// with no FUSE file handle allocated. It is a host scheme flag, not part of
// the FUSE wire ABI, so it lives here rather than in fuseabi.
const OStat uint32 = 0x01000000

// Handle is one open file or directory.
type Handle struct {
	NodeID     uint64
	FH         uint64
	IsDir      bool
	Writable   bool
	Append     bool
	Path       string
	Size       uint64
	Mode       uint32
	dirEntries []fuseabi.Dirent
	dirFetched bool
}

// Kind is the host scheme's directory-entry kind, independent of the wire
// DT_* encoding.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

// KindOf maps a POSIX DT_* code (as carried in fuse_dirent.typ) to Kind.
// Unknown codes default to KindRegular.
func KindOf(dtType uint32) Kind {
	switch dtType {
	case fuseabi.DTDir:
		return KindDirectory
	case fuseabi.DTLnk:
		return KindSymlink
	case fuseabi.DTReg:
		return KindRegular
	default:
		return KindRegular
	}
}

// Stat is the subset of POSIX stat fields Fstat can fill from a FUSE attr.
type Stat struct {
	Mode       uint32
	Size       uint64
	Blksize    uint32
	Blocks     uint64
	Nlink      uint32
	UID        uint32
	GID        uint32
	Ino        uint64
	Atime      uint64
	AtimeNsec  uint32
	Mtime      uint64
	MtimeNsec  uint32
	Ctime      uint64
	CtimeNsec  uint32
}

// Statvfs is the subset of statvfs fields Fstatvfs can fill from FUSE_STATFS.
type Statvfs struct {
	Bsize  uint32
	Blocks uint64
	Bfree  uint64
	Bavail uint64
}

// Scheme is the guest-visible scheme backed by one virtiofs session.
type Scheme struct {
	mu         sync.Mutex
	session    *session.Session
	schemeName string
	nextID     uint64
	handles    map[uint64]*Handle
}

// New returns a Scheme with an empty handle table.
func New(s *session.Session, schemeName string) *Scheme {
	return &Scheme{
		session:    s,
		schemeName: schemeName,
		nextID:     1,
		handles:    make(map[uint64]*Handle),
	}
}

func notFound(cause error) error {
	return errors.NewError(errors.ErrCodeEntryNotFound, "path could not be resolved").
		WithComponent("scheme").WithCause(cause)
}

// resolvePath walks LOOKUP one component at a time starting from the FUSE
// root nodeid, then fetches the final node's attributes. Any failure along
// the way collapses to "not found" at this interface.
func (sc *Scheme) resolvePath(ctx context.Context, path string) (uint64, fuseabi.Attr, error) {
	path = strings.Trim(path, "/")

	if path == "" {
		attr, err := sc.session.Getattr(ctx, fuseabi.RootNodeID)
		if err != nil {
			return 0, fuseabi.Attr{}, notFound(err)
		}
		return fuseabi.RootNodeID, attr.Attr, nil
	}

	current := fuseabi.RootNodeID
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		entry, err := sc.session.Lookup(ctx, current, component)
		if err != nil {
			return 0, fuseabi.Attr{}, notFound(err)
		}
		current = entry.NodeID
	}

	attr, err := sc.session.Getattr(ctx, current)
	if err != nil {
		return 0, fuseabi.Attr{}, notFound(err)
	}
	return current, attr.Attr, nil
}

func joinScheme(base, rel string) string {
	base = strings.Trim(base, "/")
	rel = strings.Trim(rel, "/")
	switch {
	case base == "":
		return rel
	case rel == "":
		return base
	default:
		return base + "/" + rel
	}
}

func splitPath(p string) (parent, name string) {
	p = strings.Trim(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func (sc *Scheme) registerHandle(h *Handle) uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	id := sc.nextID
	sc.nextID++
	sc.handles[id] = h
	return id
}

func (sc *Scheme) lookupHandle(id uint64) (*Handle, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	h, ok := sc.handles[id]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidHandle, "unknown scheme handle").
			WithComponent("scheme").WithDetail("handle", id)
	}
	return h, nil
}

// SchemeRoot opens and returns a handle on the FUSE root directory.
func (sc *Scheme) SchemeRoot(ctx context.Context) (uint64, error) {
	attr, err := sc.session.Getattr(ctx, fuseabi.RootNodeID)
	if err != nil {
		return 0, notFound(err)
	}
	dir, err := sc.session.Opendir(ctx, fuseabi.RootNodeID)
	if err != nil {
		return 0, notFound(err)
	}
	return sc.registerHandle(&Handle{
		NodeID: fuseabi.RootNodeID,
		FH:     dir.FH,
		IsDir:  true,
		Path:   "",
		Size:   attr.Attr.Size,
		Mode:   attr.Attr.Mode,
	}), nil
}

// OpenAt resolves path (relative to dirfd's cached path unless path itself
// is absolute) and opens or creates it per the flag combination, returning
// a new handle id.
func (sc *Scheme) OpenAt(ctx context.Context, dirfd uint64, path string, flags, mode uint32) (uint64, error) {
	absolute := strings.HasPrefix(path, "/")
	trimmed := strings.Trim(path, "/")

	var basePath string
	if !absolute {
		sc.mu.Lock()
		if h, ok := sc.handles[dirfd]; ok {
			basePath = h.Path
		}
		sc.mu.Unlock()
	}
	fullPath := joinScheme(basePath, trimmed)

	creat := flags&fuseabi.OCreat != 0
	excl := flags&fuseabi.OExcl != 0
	trunc := flags&fuseabi.OTrunc != 0
	directoryFlag := flags&fuseabi.ODirectory != 0
	accmode := flags & fuseabi.OAccmode
	writable := accmode != fuseabi.ORdonly
	appendMode := flags&fuseabi.OAppend != 0

	nodeid, attr, resolveErr := sc.resolvePath(ctx, fullPath)
	exists := resolveErr == nil

	if !creat && !exists {
		return 0, notFound(resolveErr)
	}

	if exists && flags&OStat == OStat {
		return sc.registerHandle(&Handle{
			NodeID: nodeid, FH: 0, IsDir: attr.IsDir(), Writable: writable,
			Path: fullPath, Size: attr.Size, Mode: attr.Mode,
		}), nil
	}

	if creat && exists && excl {
		return 0, errors.NewError(errors.ErrCodeAlreadyExists, "open target already exists").
			WithComponent("scheme").WithOperation("openat").WithDetail("path", fullPath)
	}

	if creat && directoryFlag {
		if !exists {
			parentPath, name := splitPath(fullPath)
			parentNode, _, err := sc.resolvePath(ctx, parentPath)
			if err != nil {
				return 0, notFound(err)
			}
			entry, err := sc.session.Mkdir(ctx, parentNode, name, mode)
			if err != nil {
				return 0, errors.NewError(errors.ErrCodeEntryNotFound, "mkdir failed").
					WithComponent("scheme").WithOperation("openat").WithCause(err)
			}
			nodeid, attr = entry.NodeID, entry.Attr
		}
		dir, err := sc.session.Opendir(ctx, nodeid)
		if err != nil {
			return 0, notFound(err)
		}
		return sc.registerHandle(&Handle{
			NodeID: nodeid, FH: dir.FH, IsDir: true, Writable: writable,
			Path: fullPath, Size: attr.Size, Mode: attr.Mode,
		}), nil
	}

	if creat && !exists {
		parentPath, name := splitPath(fullPath)
		parentNode, _, err := sc.resolvePath(ctx, parentPath)
		if err != nil {
			return 0, notFound(err)
		}
		entry, open, err := sc.session.Create(ctx, parentNode, name, flags, mode)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeEntryNotFound, "create failed").
				WithComponent("scheme").WithOperation("openat").WithCause(err)
		}
		return sc.registerHandle(&Handle{
			NodeID: entry.NodeID, FH: open.FH, IsDir: false, Writable: writable, Append: appendMode,
			Path: fullPath, Size: entry.Attr.Size, Mode: entry.Attr.Mode,
		}), nil
	}

	// From here the target exists, creation (if any) is satisfied by the
	// existing entry, and we fall back to a plain open/opendir.
	if attr.IsDir() {
		if !directoryFlag && accmode != fuseabi.ORdonly {
			return 0, errors.NewError(errors.ErrCodeIsDirectory, "path is a directory").
				WithComponent("scheme").WithOperation("openat").WithDetail("path", fullPath)
		}
		dir, err := sc.session.Opendir(ctx, nodeid)
		if err != nil {
			return 0, notFound(err)
		}
		return sc.registerHandle(&Handle{
			NodeID: nodeid, FH: dir.FH, IsDir: true, Writable: writable,
			Path: fullPath, Size: attr.Size, Mode: attr.Mode,
		}), nil
	}

	if directoryFlag {
		return 0, errors.NewError(errors.ErrCodeNotDirectory, "path is not a directory").
			WithComponent("scheme").WithOperation("openat").WithDetail("path", fullPath)
	}

	openFlags := flags
	if trunc {
		openFlags |= fuseabi.OTrunc
	}
	file, err := sc.session.Open(ctx, nodeid, openFlags)
	if err != nil {
		return 0, notFound(err)
	}
	return sc.registerHandle(&Handle{
		NodeID: nodeid, FH: file.FH, IsDir: false, Writable: writable, Append: appendMode,
		Path: fullPath, Size: attr.Size, Mode: attr.Mode,
	}), nil
}

// Read reads up to len(buf) bytes at offset from a file handle, copying
// into buf and returning the number of bytes copied.
func (sc *Scheme) Read(ctx context.Context, id uint64, buf []byte, offset uint64) (int, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return 0, err
	}
	if h.IsDir {
		return 0, errors.NewError(errors.ErrCodeIsDirectory, "cannot read a directory handle").
			WithComponent("scheme").WithOperation("read")
	}

	data, err := sc.session.Read(ctx, h.NodeID, h.FH, offset, uint32(len(buf)))
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeInvalidHandle, "read failed").
			WithComponent("scheme").WithOperation("read").WithCause(err)
	}
	n := copy(buf, data)
	return n, nil
}

// Write writes data to a file handle at offset, updating the cached size if
// the written extent exceeds it.
func (sc *Scheme) Write(ctx context.Context, id uint64, data []byte, offset uint64) (uint32, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return 0, err
	}
	if h.IsDir {
		return 0, errors.NewError(errors.ErrCodeIsDirectory, "cannot write a directory handle").
			WithComponent("scheme").WithOperation("write")
	}
	if !h.Writable {
		return 0, errors.NewError(errors.ErrCodePermissionDenied, "handle is not writable").
			WithComponent("scheme").WithOperation("write")
	}

	// O_APPEND is passed to the host in the open flags; in addition, every
	// write on an append handle is sent at the handle's cached end-of-file
	// regardless of the caller-supplied offset.
	if h.Append {
		sc.mu.Lock()
		offset = h.Size
		sc.mu.Unlock()
	}

	n, err := sc.session.Write(ctx, h.NodeID, h.FH, offset, data)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeInvalidHandle, "write failed").
			WithComponent("scheme").WithOperation("write").WithCause(err)
	}

	sc.mu.Lock()
	if end := offset + uint64(n); end > h.Size {
		h.Size = end
	}
	sc.mu.Unlock()

	return n, nil
}

// Truncate resizes a writable file handle, refreshing its cached size from
// the SETATTR response.
func (sc *Scheme) Truncate(ctx context.Context, id, size uint64) error {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return err
	}
	if !h.Writable {
		return errors.NewError(errors.ErrCodePermissionDenied, "handle is not writable").
			WithComponent("scheme").WithOperation("truncate")
	}

	out, err := sc.session.Truncate(ctx, h.NodeID, h.FH, size)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidHandle, "truncate failed").
			WithComponent("scheme").WithOperation("truncate").WithCause(err)
	}

	sc.mu.Lock()
	h.Size = out.Attr.Size
	sc.mu.Unlock()
	return nil
}

// Fsize always refreshes from a fresh getattr and updates the cache.
func (sc *Scheme) Fsize(ctx context.Context, id uint64) (uint64, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return 0, err
	}
	attr, err := sc.session.Getattr(ctx, h.NodeID)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeInvalidHandle, "getattr failed").
			WithComponent("scheme").WithOperation("fsize").WithCause(err)
	}
	sc.mu.Lock()
	h.Size = attr.Attr.Size
	sc.mu.Unlock()
	return attr.Attr.Size, nil
}

// Fpath renders the scheme-prefixed path for a handle, e.g.
// "/scheme/<name>/<path>".
func (sc *Scheme) Fpath(id uint64) (string, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return "", err
	}
	schemePath := "/scheme/" + sc.schemeName
	if h.Path == "" {
		return schemePath, nil
	}
	return schemePath + "/" + h.Path, nil
}

// Fstat always refreshes from a fresh getattr and updates the cache.
func (sc *Scheme) Fstat(ctx context.Context, id uint64) (Stat, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return Stat{}, err
	}
	attr, err := sc.session.Getattr(ctx, h.NodeID)
	if err != nil {
		return Stat{}, errors.NewError(errors.ErrCodeInvalidHandle, "getattr failed").
			WithComponent("scheme").WithOperation("fstat").WithCause(err)
	}

	a := attr.Attr
	sc.mu.Lock()
	h.Size, h.Mode = a.Size, a.Mode
	sc.mu.Unlock()

	return Stat{
		Mode: a.Mode, Size: a.Size, Blksize: a.Blksize, Blocks: a.Blocks,
		Nlink: a.Nlink, UID: a.UID, GID: a.GID, Ino: a.Ino,
		Atime: a.Atime, AtimeNsec: a.Atimensec,
		Mtime: a.Mtime, MtimeNsec: a.Mtimensec,
		Ctime: a.Ctime, CtimeNsec: a.Ctimensec,
	}, nil
}

// Fstatvfs fetches filesystem statistics via FUSE_STATFS.
func (sc *Scheme) Fstatvfs(ctx context.Context, id uint64) (Statvfs, error) {
	if _, err := sc.lookupHandle(id); err != nil {
		return Statvfs{}, err
	}
	out, err := sc.session.Statfs(ctx)
	if err != nil {
		return Statvfs{}, errors.NewError(errors.ErrCodeInvalidHandle, "statfs failed").
			WithComponent("scheme").WithOperation("fstatvfs").WithCause(err)
	}
	return Statvfs{
		Bsize:  out.St.Bsize,
		Blocks: out.St.Blocks,
		Bfree:  out.St.Bfree,
		Bavail: out.St.Bavail,
	}, nil
}

// Getdents returns the directory entries starting at opaqueOffset, up to
// limit entries, and the opaque offset to resume from on the next call. An
// offset of zero (or a handle with no cached listing yet) triggers a fresh
// fetch with a single READDIR call into a 32 KiB buffer; entries that do not
// fit in that one response are not fetched.
func (sc *Scheme) Getdents(ctx context.Context, id, opaqueOffset uint64, limit int) ([]fuseabi.Dirent, uint64, error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return nil, 0, err
	}
	if !h.IsDir {
		return nil, 0, errors.NewError(errors.ErrCodeNotDirectory, "handle is not a directory").
			WithComponent("scheme").WithOperation("getdents")
	}

	if !h.dirFetched || opaqueOffset == 0 {
		entries, err := sc.session.Readdir(ctx, h.NodeID, h.FH, 0, 32768)
		if err != nil {
			return nil, 0, errors.NewError(errors.ErrCodeInvalidHandle, "readdir failed").
				WithComponent("scheme").WithOperation("getdents").WithCause(err)
		}
		sc.mu.Lock()
		h.dirEntries = entries
		h.dirFetched = true
		sc.mu.Unlock()
	}

	start := int(opaqueOffset)
	if start > len(h.dirEntries) {
		start = len(h.dirEntries)
	}
	end := len(h.dirEntries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]fuseabi.Dirent, end-start)
	copy(out, h.dirEntries[start:end])
	return out, uint64(end), nil
}

// Fevent reports readability (always) and writability (only if the handle
// is writable). There is no change-notification channel.
func (sc *Scheme) Fevent(id uint64) (readable, writable bool, err error) {
	h, err := sc.lookupHandle(id)
	if err != nil {
		return false, false, err
	}
	return true, h.Writable, nil
}

// Unlink resolves parent and name relative to dirfd's cached path (unless
// path is absolute) and removes it: rmdir for a directory target, unlink
// otherwise. An empty name or root-only path fails "no such entry".
func (sc *Scheme) Unlink(ctx context.Context, dirfd uint64, path string) error {
	absolute := strings.HasPrefix(path, "/")
	trimmed := strings.Trim(path, "/")

	var basePath string
	if !absolute {
		sc.mu.Lock()
		if h, ok := sc.handles[dirfd]; ok {
			basePath = h.Path
		}
		sc.mu.Unlock()
	}
	fullPath := joinScheme(basePath, trimmed)

	parentPath, name := splitPath(fullPath)
	if name == "" {
		return errors.NewError(errors.ErrCodeEntryNotFound, "no such entry").
			WithComponent("scheme").WithOperation("unlink")
	}

	parentNode, _, err := sc.resolvePath(ctx, parentPath)
	if err != nil {
		return err
	}
	_, attr, err := sc.resolvePath(ctx, fullPath)
	if err != nil {
		return err
	}

	if attr.IsDir() {
		if err := sc.session.Rmdir(ctx, parentNode, name); err != nil {
			return errors.NewError(errors.ErrCodeEntryNotFound, "rmdir failed").
				WithComponent("scheme").WithOperation("unlink").WithCause(err)
		}
		return nil
	}
	if err := sc.session.Unlink(ctx, parentNode, name); err != nil {
		return errors.NewError(errors.ErrCodeEntryNotFound, "unlink failed").
			WithComponent("scheme").WithOperation("unlink").WithCause(err)
	}
	return nil
}

// Close is idempotent: it removes the handle and, if it carries a real FUSE
// file handle, issues release or releasedir. Failures are ignored — close
// is best-effort cleanup, never a reason to fail the caller.
func (sc *Scheme) Close(ctx context.Context, id uint64) error {
	sc.mu.Lock()
	h, ok := sc.handles[id]
	if ok {
		delete(sc.handles, id)
	}
	sc.mu.Unlock()

	if !ok || h.FH == 0 {
		return nil
	}
	if h.IsDir {
		_ = sc.session.Releasedir(ctx, h.NodeID, h.FH)
	} else {
		_ = sc.session.Release(ctx, h.NodeID, h.FH)
	}
	return nil
}
