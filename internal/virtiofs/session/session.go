// Package session provides typed, per-opcode FUSE calls over a transport,
// owning unique-ID allocation and response validation.
package session

import (
	"context"
	"sync/atomic"

	"github.com/redoxnix/guestagent/internal/virtiofs/fuseabi"
	"github.com/redoxnix/guestagent/internal/virtiofs/transport"
	"github.com/redoxnix/guestagent/pkg/errors"
)

// Session is a FUSE session over a virtio-fs request queue: one monotonic
// unique-ID counter plus typed wrappers for every opcode spec.md's C2 table
// names.
type Session struct {
	transport     *transport.Transport
	uniqueCounter uint64
	maxReadahead  uint32
	maxWrite      uint32
}

// Init sends FUSE_INIT — this must be the first request issued on the
// queue — and records the negotiated max-readahead/max-write.
func Init(ctx context.Context, q transport.Queue, requestedReadahead uint32) (*Session, error) {
	s := &Session{transport: transport.New(q)}

	req := fuseabi.BuildRequest(fuseabi.OpInit, 0, s.nextUnique(), fuseabi.InitIn{
		Major:        fuseabi.KernelVersion,
		Minor:        fuseabi.KernelMinorVersion,
		MaxReadahead: requestedReadahead,
	}.Encode(), nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return nil, err
	}

	out, ok := fuseabi.DecodeInitOut(body)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeUnexpectedSize, "FUSE_INIT response too short").
			WithComponent("session").WithOperation("init")
	}

	s.maxReadahead = out.MaxReadahead
	s.maxWrite = out.MaxWrite
	return s, nil
}

// MaxReadahead returns the negotiated max-readahead from FUSE_INIT.
func (s *Session) MaxReadahead() uint32 { return s.maxReadahead }

// MaxWrite returns the negotiated max-write from FUSE_INIT.
func (s *Session) MaxWrite() uint32 { return s.maxWrite }

func (s *Session) nextUnique() uint64 {
	return atomic.AddUint64(&s.uniqueCounter, 1)
}

// Lookup resolves name under parent.
func (s *Session) Lookup(ctx context.Context, parent uint64, name string) (fuseabi.EntryOut, error) {
	req := fuseabi.BuildRequest(fuseabi.OpLookup, parent, s.nextUnique(), nil, []byte(name))
	return s.entryRequest(ctx, req, "lookup")
}

// Getattr fetches attributes for nodeid.
func (s *Session) Getattr(ctx context.Context, nodeid uint64) (fuseabi.AttrOut, error) {
	args := fuseabi.GetattrIn{}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpGetattr, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.AttrOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.AttrOut{}, err
	}
	out, ok := fuseabi.DecodeAttrOut(body)
	if !ok {
		return fuseabi.AttrOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "FUSE_GETATTR response too short").
			WithComponent("session").WithOperation("getattr")
	}
	return out, nil
}

// Open opens a file, returning its file handle.
func (s *Session) Open(ctx context.Context, nodeid uint64, flags uint32) (fuseabi.OpenOut, error) {
	return s.openRequest(ctx, fuseabi.OpOpen, nodeid, flags, "open")
}

// Opendir opens a directory, returning its handle.
func (s *Session) Opendir(ctx context.Context, nodeid uint64) (fuseabi.OpenOut, error) {
	return s.openRequest(ctx, fuseabi.OpOpendir, nodeid, 0, "opendir")
}

func (s *Session) openRequest(ctx context.Context, op fuseabi.Opcode, nodeid uint64, flags uint32, name string) (fuseabi.OpenOut, error) {
	args := fuseabi.OpenIn{Flags: flags}.Encode()
	req := fuseabi.BuildRequest(op, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.OpenOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.OpenOut{}, err
	}
	out, ok := fuseabi.DecodeOpenOut(body)
	if !ok {
		return fuseabi.OpenOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "open response too short").
			WithComponent("session").WithOperation(name)
	}
	return out, nil
}

// Read reads up to size bytes at offset from fh.
func (s *Session) Read(ctx context.Context, nodeid, fh, offset uint64, size uint32) ([]byte, error) {
	args := fuseabi.ReadIn{FH: fh, Offset: offset, Size: size}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpRead, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.DataRequest(ctx, req, int(size))
	if err != nil {
		return nil, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Readdir reads directory entries at cookie offset into a size-byte buffer.
func (s *Session) Readdir(ctx context.Context, nodeid, fh, offset uint64, size uint32) ([]fuseabi.Dirent, error) {
	args := fuseabi.ReadIn{FH: fh, Offset: offset, Size: size}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpReaddir, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.DataRequest(ctx, req, int(size))
	if err != nil {
		return nil, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return nil, err
	}
	return fuseabi.ParseDirents(body), nil
}

// Release closes a file handle.
func (s *Session) Release(ctx context.Context, nodeid, fh uint64) error {
	return s.releaseRequest(ctx, fuseabi.OpRelease, nodeid, fh)
}

// Releasedir closes a directory handle.
func (s *Session) Releasedir(ctx context.Context, nodeid, fh uint64) error {
	return s.releaseRequest(ctx, fuseabi.OpReleasedir, nodeid, fh)
}

func (s *Session) releaseRequest(ctx context.Context, op fuseabi.Opcode, nodeid, fh uint64) error {
	args := fuseabi.ReleaseIn{FH: fh}.Encode()
	req := fuseabi.BuildRequest(op, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return err
	}
	_, _, err = transport.ParseResponse(resp)
	return err
}

// Write writes data to fh at offset, returning the bytes actually written.
func (s *Session) Write(ctx context.Context, nodeid, fh, offset uint64, data []byte) (uint32, error) {
	args := fuseabi.WriteIn{FH: fh, Offset: offset, Size: uint32(len(data))}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpWrite, nodeid, s.nextUnique(), append(args, data...), nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return 0, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return 0, err
	}
	out, ok := fuseabi.DecodeWriteOut(body)
	if !ok {
		return 0, errors.NewError(errors.ErrCodeUnexpectedSize, "write response too short").
			WithComponent("session").WithOperation("write")
	}
	return out.Size, nil
}

// Create atomically creates and opens a file under parent, returning its
// entry and file handle.
func (s *Session) Create(ctx context.Context, parent uint64, name string, flags, mode uint32) (fuseabi.EntryOut, fuseabi.OpenOut, error) {
	args := fuseabi.CreateIn{Flags: flags, Mode: mode, Umask: 0o022}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpCreate, parent, s.nextUnique(), args, []byte(name))

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.EntryOut{}, fuseabi.OpenOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.EntryOut{}, fuseabi.OpenOut{}, err
	}

	if len(body) < fuseabi.EntryOutSize+fuseabi.OpenOutSize {
		return fuseabi.EntryOut{}, fuseabi.OpenOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "create response too short").
			WithComponent("session").WithOperation("create")
	}

	entry, _ := fuseabi.DecodeEntryOut(body[:fuseabi.EntryOutSize])
	open, _ := fuseabi.DecodeOpenOut(body[fuseabi.EntryOutSize : fuseabi.EntryOutSize+fuseabi.OpenOutSize])
	return entry, open, nil
}

// Mkdir creates a directory under parent.
func (s *Session) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (fuseabi.EntryOut, error) {
	args := fuseabi.MkdirIn{Mode: mode, Umask: 0o022}.Encode()
	req := fuseabi.BuildRequest(fuseabi.OpMkdir, parent, s.nextUnique(), args, []byte(name))
	return s.entryRequest(ctx, req, "mkdir")
}

func (s *Session) entryRequest(ctx context.Context, req []byte, op string) (fuseabi.EntryOut, error) {
	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.EntryOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.EntryOut{}, err
	}
	out, ok := fuseabi.DecodeEntryOut(body)
	if !ok {
		return fuseabi.EntryOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "entry response too short").
			WithComponent("session").WithOperation(op)
	}
	return out, nil
}

// Unlink removes name from parent.
func (s *Session) Unlink(ctx context.Context, parent uint64, name string) error {
	req := fuseabi.BuildRequest(fuseabi.OpUnlink, parent, s.nextUnique(), nil, []byte(name))
	return s.noBodyRequest(ctx, req)
}

// Rmdir removes directory name from parent.
func (s *Session) Rmdir(ctx context.Context, parent uint64, name string) error {
	req := fuseabi.BuildRequest(fuseabi.OpRmdir, parent, s.nextUnique(), nil, []byte(name))
	return s.noBodyRequest(ctx, req)
}

func (s *Session) noBodyRequest(ctx context.Context, req []byte) error {
	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return err
	}
	_, _, err = transport.ParseResponse(resp)
	return err
}

// Truncate resizes fh to size via SETATTR with size+fh valid bits.
func (s *Session) Truncate(ctx context.Context, nodeid, fh, size uint64) (fuseabi.AttrOut, error) {
	args := fuseabi.TruncateSetattrIn(fh, size).Encode()
	req := fuseabi.BuildRequest(fuseabi.OpSetattr, nodeid, s.nextUnique(), args, nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.AttrOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.AttrOut{}, err
	}
	out, ok := fuseabi.DecodeAttrOut(body)
	if !ok {
		return fuseabi.AttrOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "setattr response too short").
			WithComponent("session").WithOperation("truncate")
	}
	return out, nil
}

// Statfs fetches filesystem statistics from the root.
func (s *Session) Statfs(ctx context.Context) (fuseabi.StatfsOut, error) {
	req := fuseabi.BuildRequest(fuseabi.OpStatfs, fuseabi.RootNodeID, s.nextUnique(), nil, nil)

	resp, err := s.transport.MetaRequest(ctx, req)
	if err != nil {
		return fuseabi.StatfsOut{}, err
	}
	_, body, err := transport.ParseResponse(resp)
	if err != nil {
		return fuseabi.StatfsOut{}, err
	}
	out, ok := fuseabi.DecodeStatfsOut(body)
	if !ok {
		return fuseabi.StatfsOut{}, errors.NewError(errors.ErrCodeUnexpectedSize, "statfs response too short").
			WithComponent("session").WithOperation("statfs")
	}
	return out, nil
}
