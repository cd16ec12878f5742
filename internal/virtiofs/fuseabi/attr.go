package fuseabi

import "encoding/binary"

// AttrSize is the wire size of Attr.
const AttrSize = 88

// Attr mirrors the upstream fuse_attr struct.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// IsDir reports whether the attr's mode bits mark a directory.
func (a Attr) IsDir() bool {
	return a.Mode&SIFMT == SIFDIR
}

func decodeAttr(data []byte) Attr {
	le := binary.LittleEndian
	return Attr{
		Ino:       le.Uint64(data[0:8]),
		Size:      le.Uint64(data[8:16]),
		Blocks:    le.Uint64(data[16:24]),
		Atime:     le.Uint64(data[24:32]),
		Mtime:     le.Uint64(data[32:40]),
		Ctime:     le.Uint64(data[40:48]),
		Atimensec: le.Uint32(data[48:52]),
		Mtimensec: le.Uint32(data[52:56]),
		Ctimensec: le.Uint32(data[56:60]),
		Mode:      le.Uint32(data[60:64]),
		Nlink:     le.Uint32(data[64:68]),
		UID:       le.Uint32(data[68:72]),
		GID:       le.Uint32(data[72:76]),
		Rdev:      le.Uint32(data[76:80]),
		Blksize:   le.Uint32(data[80:84]),
		Padding:   le.Uint32(data[84:88]),
	}
}

// EntryOutSize is the wire size of EntryOut.
const EntryOutSize = 8*4 + 4*2 + AttrSize

// EntryOut mirrors fuse_entry_out, the LOOKUP/MKDIR/CREATE reply payload.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// DecodeEntryOut parses an EntryOut from the front of data.
func DecodeEntryOut(data []byte) (EntryOut, bool) {
	if len(data) < EntryOutSize {
		return EntryOut{}, false
	}
	le := binary.LittleEndian
	return EntryOut{
		NodeID:         le.Uint64(data[0:8]),
		Generation:     le.Uint64(data[8:16]),
		EntryValid:     le.Uint64(data[16:24]),
		AttrValid:      le.Uint64(data[24:32]),
		EntryValidNsec: le.Uint32(data[32:36]),
		AttrValidNsec:  le.Uint32(data[36:40]),
		Attr:           decodeAttr(data[40:EntryOutSize]),
	}, true
}

// AttrOutSize is the wire size of AttrOut.
const AttrOutSize = 16 + AttrSize

// AttrOut mirrors fuse_attr_out, the GETATTR/SETATTR reply payload.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

// DecodeAttrOut parses an AttrOut from the front of data.
func DecodeAttrOut(data []byte) (AttrOut, bool) {
	if len(data) < AttrOutSize {
		return AttrOut{}, false
	}
	le := binary.LittleEndian
	return AttrOut{
		AttrValid:     le.Uint64(data[0:8]),
		AttrValidNsec: le.Uint32(data[8:12]),
		Dummy:         le.Uint32(data[12:16]),
		Attr:          decodeAttr(data[16:AttrOutSize]),
	}, true
}
