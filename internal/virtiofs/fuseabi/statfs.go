package fuseabi

import "encoding/binary"

// KStatfsSize is the wire size of KStatfs.
const KStatfsSize = 8*5 + 4*4 + 4*6

// KStatfs mirrors fuse_kstatfs, the body of FUSE_STATFS's response.
type KStatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
}

// StatfsOutSize is the wire size of StatfsOut.
const StatfsOutSize = KStatfsSize

// StatfsOut is the FUSE_STATFS response payload.
type StatfsOut struct {
	St KStatfs
}

// DecodeStatfsOut parses a StatfsOut from the front of data. Only the
// leading fields spec.md §9 calls out (bsize/blocks/bfree/bavail) are
// surfaced by callers; files/ffree/frsize/namelen decode but go unused, and
// the trailing spare words are not decoded.
func DecodeStatfsOut(data []byte) (StatfsOut, bool) {
	if len(data) < StatfsOutSize {
		return StatfsOut{}, false
	}
	le := binary.LittleEndian
	return StatfsOut{St: KStatfs{
		Blocks:  le.Uint64(data[0:8]),
		Bfree:   le.Uint64(data[8:16]),
		Bavail:  le.Uint64(data[16:24]),
		Files:   le.Uint64(data[24:32]),
		Ffree:   le.Uint64(data[32:40]),
		Bsize:   le.Uint32(data[40:44]),
		Namelen: le.Uint32(data[44:48]),
		Frsize:  le.Uint32(data[48:52]),
		Padding: le.Uint32(data[52:56]),
	}}, true
}
