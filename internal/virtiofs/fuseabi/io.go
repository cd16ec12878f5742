package fuseabi

import "encoding/binary"

// ReadInSize is the wire size of ReadIn.
const ReadInSize = 40

// ReadIn is the FUSE_READ/FUSE_READDIR request payload.
type ReadIn struct {
	FH        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

// Encode serializes ReadIn.
func (r ReadIn) Encode() []byte {
	buf := make([]byte, ReadInSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], r.FH)
	le.PutUint64(buf[8:16], r.Offset)
	le.PutUint32(buf[16:20], r.Size)
	le.PutUint32(buf[20:24], r.ReadFlags)
	le.PutUint64(buf[24:32], r.LockOwner)
	le.PutUint32(buf[32:36], r.Flags)
	le.PutUint32(buf[36:40], r.Padding)
	return buf
}

// WriteInSize is the wire size of WriteIn.
const WriteInSize = 40

// WriteIn is the FUSE_WRITE request payload (precedes the raw data bytes).
type WriteIn struct {
	FH         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

// Encode serializes WriteIn.
func (w WriteIn) Encode() []byte {
	buf := make([]byte, WriteInSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], w.FH)
	le.PutUint64(buf[8:16], w.Offset)
	le.PutUint32(buf[16:20], w.Size)
	le.PutUint32(buf[20:24], w.WriteFlags)
	le.PutUint64(buf[24:32], w.LockOwner)
	le.PutUint32(buf[32:36], w.Flags)
	le.PutUint32(buf[36:40], w.Padding)
	return buf
}

// WriteOutSize is the wire size of WriteOut.
const WriteOutSize = 8

// WriteOut is the FUSE_WRITE response payload.
type WriteOut struct {
	Size    uint32
	Padding uint32
}

// DecodeWriteOut parses a WriteOut from the front of data.
func DecodeWriteOut(data []byte) (WriteOut, bool) {
	if len(data) < WriteOutSize {
		return WriteOut{}, false
	}
	le := binary.LittleEndian
	return WriteOut{
		Size:    le.Uint32(data[0:4]),
		Padding: le.Uint32(data[4:8]),
	}, true
}
