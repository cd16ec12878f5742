package fuseabi

import "encoding/binary"

// InitInSize is the wire size of InitIn.
const InitInSize = 4*5 + 4*11

// InitIn is the FUSE_INIT request payload.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	Flags2       uint32
}

// Encode serializes InitIn (trailing reserved words are zero-filled).
func (i InitIn) Encode() []byte {
	buf := make([]byte, InitInSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], i.Major)
	le.PutUint32(buf[4:8], i.Minor)
	le.PutUint32(buf[8:12], i.MaxReadahead)
	le.PutUint32(buf[12:16], i.Flags)
	le.PutUint32(buf[16:20], i.Flags2)
	return buf
}

// InitOut is the FUSE_INIT response payload (truncated to the fields this
// session cares about; trailing reserved words are ignored on decode).
type InitOut struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	MaxWrite     uint32
}

// minInitOutSize is the minimum prefix this client requires: up through
// MaxWrite. A real virtiofsd response is longer (congestion threshold,
// time granularity, page size fields); this client only decodes the
// fields it negotiates on.
const minInitOutSize = 4*4 + 2*2 + 4

// DecodeInitOut parses the fields of InitOut this session negotiates.
func DecodeInitOut(data []byte) (InitOut, bool) {
	if len(data) < minInitOutSize {
		return InitOut{}, false
	}
	le := binary.LittleEndian
	return InitOut{
		Major:        le.Uint32(data[0:4]),
		Minor:        le.Uint32(data[4:8]),
		MaxReadahead: le.Uint32(data[8:12]),
		Flags:        le.Uint32(data[12:16]),
		MaxWrite:     le.Uint32(data[20:24]),
	}, true
}
