package fuseabi

import "encoding/binary"

// direntHeaderSize is the wire size of a fuse_dirent header, before the
// variable-length name.
const direntHeaderSize = 24

// direntAlign is the padding boundary FUSE requires between entries.
const direntAlign = 8

// Dirent is one parsed FUSE_READDIR entry.
type Dirent struct {
	Ino  uint64
	Off  uint64
	Type uint32
	Name string
}

// direntSize returns the total on-wire size of an entry with the given name
// length, including the padding needed to keep the next entry 8-byte
// aligned.
func direntSize(nameLen int) int {
	total := direntHeaderSize + nameLen
	if rem := total % direntAlign; rem != 0 {
		total += direntAlign - rem
	}
	return total
}

// WriteDirent encodes d into buf in fuse_dirent wire format (header, name,
// then zero padding to the next 8-byte boundary), returning the number of
// bytes written, or 0 if d would not fit.
func WriteDirent(buf []byte, d Dirent) int {
	total := direntSize(len(d.Name))
	if total > len(buf) {
		return 0
	}

	le := binary.LittleEndian
	le.PutUint64(buf[0:8], d.Ino)
	le.PutUint64(buf[8:16], d.Off)
	le.PutUint32(buf[16:20], uint32(len(d.Name)))
	le.PutUint32(buf[20:24], d.Type)

	n := direntHeaderSize
	n += copy(buf[n:], d.Name)
	for ; n < total; n++ {
		buf[n] = 0
	}
	return n
}

// ParseDirents decodes a FUSE_READDIR response body into a sequence of
// entries, stopping as soon as a partial header or truncated name is
// encountered (rather than erroring — a short final chunk is expected when
// the host's buffer filled mid-entry).
func ParseDirents(data []byte) []Dirent {
	var entries []Dirent
	le := binary.LittleEndian
	offset := 0

	for offset+direntHeaderSize <= len(data) {
		ino := le.Uint64(data[offset : offset+8])
		off := le.Uint64(data[offset+8 : offset+16])
		nameLen := int(le.Uint32(data[offset+16 : offset+20]))
		typ := le.Uint32(data[offset+20 : offset+24])

		nameStart := offset + direntHeaderSize
		nameEnd := nameStart + nameLen
		if nameEnd > len(data) {
			break
		}

		entries = append(entries, Dirent{
			Ino:  ino,
			Off:  off,
			Type: typ,
			Name: string(data[nameStart:nameEnd]),
		})

		offset += direntSize(nameLen)
	}

	return entries
}
