package fuseabi

import "encoding/binary"

// SetattrInSize is the wire size of SetattrIn.
const SetattrInSize = 88

// SetattrIn is the FUSE_SETATTR request payload. This session only uses it
// for truncation (Valid = FattrSize|FattrFH), but the struct carries the
// full field set so the wire layout matches the upstream ABI exactly.
type SetattrIn struct {
	Valid      uint32
	Padding    uint32
	FH         uint64
	Size       uint64
	LockOwner  uint64
	Atime      uint64
	Mtime      uint64
	Ctime      uint64
	Atimensec  uint32
	Mtimensec  uint32
	Ctimensec  uint32
	Mode       uint32
	Unused4    uint32
	UID        uint32
	GID        uint32
	Unused5    uint32
}

// Encode serializes SetattrIn.
func (s SetattrIn) Encode() []byte {
	buf := make([]byte, SetattrInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.Valid)
	le.PutUint32(buf[4:8], s.Padding)
	le.PutUint64(buf[8:16], s.FH)
	le.PutUint64(buf[16:24], s.Size)
	le.PutUint64(buf[24:32], s.LockOwner)
	le.PutUint64(buf[32:40], s.Atime)
	le.PutUint64(buf[40:48], s.Mtime)
	le.PutUint64(buf[48:56], s.Ctime)
	le.PutUint32(buf[56:60], s.Atimensec)
	le.PutUint32(buf[60:64], s.Mtimensec)
	le.PutUint32(buf[64:68], s.Ctimensec)
	le.PutUint32(buf[68:72], s.Mode)
	le.PutUint32(buf[72:76], s.Unused4)
	le.PutUint32(buf[76:80], s.UID)
	le.PutUint32(buf[80:84], s.GID)
	le.PutUint32(buf[84:88], s.Unused5)
	return buf
}

// TruncateSetattrIn builds the SetattrIn used by the truncate operation:
// size plus fh valid bits, as spec.md's C2 table requires.
func TruncateSetattrIn(fh, size uint64) SetattrIn {
	return SetattrIn{
		Valid: FattrSize | FattrFH,
		FH:    fh,
		Size:  size,
	}
}
