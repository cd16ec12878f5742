package fuseabi

import "encoding/binary"

// InHeaderSize is the wire size of InHeader: 4+4+8+8+4+4+4+2+2.
const InHeaderSize = 40

// OutHeaderSize is the wire size of OutHeader: 4+4+8.
const OutHeaderSize = 16

// InHeader precedes every FUSE request.
type InHeader struct {
	Len         uint32
	Opcode      uint32
	Unique      uint64
	NodeID      uint64
	UID         uint32
	GID         uint32
	PID         uint32
	TotalExtlen uint16
	Padding     uint16
}

// Encode writes the header into buf, which must be at least InHeaderSize
// bytes, and returns the number of bytes written.
func (h InHeader) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], h.Opcode)
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	binary.LittleEndian.PutUint64(buf[16:24], h.NodeID)
	binary.LittleEndian.PutUint32(buf[24:28], h.UID)
	binary.LittleEndian.PutUint32(buf[28:32], h.GID)
	binary.LittleEndian.PutUint32(buf[32:36], h.PID)
	binary.LittleEndian.PutUint16(buf[36:38], h.TotalExtlen)
	binary.LittleEndian.PutUint16(buf[38:40], h.Padding)
	return InHeaderSize
}

// DecodeInHeader parses an InHeader from the front of data. Exposed for test
// doubles that need to dispatch on opcode/unique without re-deriving the
// wire layout.
func DecodeInHeader(data []byte) (InHeader, bool) {
	if len(data) < InHeaderSize {
		return InHeader{}, false
	}
	le := binary.LittleEndian
	return InHeader{
		Len:         le.Uint32(data[0:4]),
		Opcode:      le.Uint32(data[4:8]),
		Unique:      le.Uint64(data[8:16]),
		NodeID:      le.Uint64(data[16:24]),
		UID:         le.Uint32(data[24:28]),
		GID:         le.Uint32(data[28:32]),
		PID:         le.Uint32(data[32:36]),
		TotalExtlen: le.Uint16(data[36:38]),
		Padding:     le.Uint16(data[38:40]),
	}, true
}

// OutHeader follows every FUSE response. A negative Error indicates a host
// errno rather than a transport failure.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

// Encode writes the header into buf, which must be at least OutHeaderSize
// bytes, and returns the number of bytes written. Used by transport test
// doubles to synthesize responses.
func (h OutHeader) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	return OutHeaderSize
}

// DecodeOutHeader parses an OutHeader from the front of data.
func DecodeOutHeader(data []byte) (OutHeader, bool) {
	if len(data) < OutHeaderSize {
		return OutHeader{}, false
	}
	return OutHeader{
		Len:    binary.LittleEndian.Uint32(data[0:4]),
		Error:  int32(binary.LittleEndian.Uint32(data[4:8])),
		Unique: binary.LittleEndian.Uint64(data[8:16]),
	}, true
}
