package fuseabi

import "encoding/binary"

// CreateInSize is the wire size of CreateIn.
const CreateInSize = 16

// CreateIn is the FUSE_CREATE request payload (name follows on the wire).
type CreateIn struct {
	Flags     uint32
	Mode      uint32
	Umask     uint32
	OpenFlags uint32
}

// Encode serializes CreateIn.
func (c CreateIn) Encode() []byte {
	buf := make([]byte, CreateInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], c.Flags)
	le.PutUint32(buf[4:8], c.Mode)
	le.PutUint32(buf[8:12], c.Umask)
	le.PutUint32(buf[12:16], c.OpenFlags)
	return buf
}

// MkdirInSize is the wire size of MkdirIn.
const MkdirInSize = 8

// MkdirIn is the FUSE_MKDIR request payload (name follows on the wire).
type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

// Encode serializes MkdirIn.
func (m MkdirIn) Encode() []byte {
	buf := make([]byte, MkdirInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], m.Mode)
	le.PutUint32(buf[4:8], m.Umask)
	return buf
}
