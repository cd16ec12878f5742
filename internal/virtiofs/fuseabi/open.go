package fuseabi

import "encoding/binary"

// GetattrInSize is the wire size of GetattrIn.
const GetattrInSize = 16

// GetattrIn is the FUSE_GETATTR request payload.
type GetattrIn struct {
	GetattrFlags uint32
	Dummy        uint32
	FH           uint64
}

// Encode serializes GetattrIn.
func (g GetattrIn) Encode() []byte {
	buf := make([]byte, GetattrInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], g.GetattrFlags)
	le.PutUint32(buf[4:8], g.Dummy)
	le.PutUint64(buf[8:16], g.FH)
	return buf
}

// OpenInSize is the wire size of OpenIn.
const OpenInSize = 8

// OpenIn is the FUSE_OPEN/FUSE_OPENDIR request payload.
type OpenIn struct {
	Flags     uint32
	OpenFlags uint32
}

// Encode serializes OpenIn.
func (o OpenIn) Encode() []byte {
	buf := make([]byte, OpenInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], o.Flags)
	le.PutUint32(buf[4:8], o.OpenFlags)
	return buf
}

// OpenOutSize is the wire size of OpenOut.
const OpenOutSize = 16

// OpenOut is the FUSE_OPEN/FUSE_OPENDIR response payload.
type OpenOut struct {
	FH        uint64
	OpenFlags uint32
	Padding   uint32
}

// DecodeOpenOut parses an OpenOut from the front of data.
func DecodeOpenOut(data []byte) (OpenOut, bool) {
	if len(data) < OpenOutSize {
		return OpenOut{}, false
	}
	le := binary.LittleEndian
	return OpenOut{
		FH:        le.Uint64(data[0:8]),
		OpenFlags: le.Uint32(data[8:12]),
		Padding:   le.Uint32(data[12:16]),
	}, true
}

// ReleaseInSize is the wire size of ReleaseIn.
const ReleaseInSize = 24

// ReleaseIn is the FUSE_RELEASE/FUSE_RELEASEDIR request payload.
type ReleaseIn struct {
	FH            uint64
	Flags         uint32
	ReleaseFlags  uint32
	LockOwner     uint64
}

// Encode serializes ReleaseIn.
func (r ReleaseIn) Encode() []byte {
	buf := make([]byte, ReleaseInSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], r.FH)
	le.PutUint32(buf[8:12], r.Flags)
	le.PutUint32(buf[12:16], r.ReleaseFlags)
	le.PutUint64(buf[16:24], r.LockOwner)
	return buf
}
