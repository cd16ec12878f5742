// Package fuseabi defines the wire-level FUSE ABI shared by the session and
// transport layers: opcodes, packed request/response structs, and the
// directory-entry encoding. All structs are encoded/decoded field-by-field
// with encoding/binary so no host-endianness assumption leaks into the
// design — the wire format is always little-endian regardless of the
// platform this code runs on.
package fuseabi

// Opcode identifies a FUSE request type. Values match the upstream Linux
// FUSE ABI (include/uapi/linux/fuse.h) so a real virtiofsd on the other end
// of the virtqueue recognizes them.
type Opcode uint32

const (
	OpLookup      Opcode = 1
	OpGetattr     Opcode = 3
	OpSetattr     Opcode = 4
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpCreate      Opcode = 35
)

// FUSE kernel protocol version negotiated by FUSE_INIT.
const (
	KernelVersion      = 7
	KernelMinorVersion = 36
)

// Root node id, fixed by convention.
const RootNodeID uint64 = 1

// File-type bits (POSIX st_mode / S_IFMT family), used to classify FUSE
// attrs and scheme-adapter open-at decisions.
const (
	SIFMT  uint32 = 0170000
	SIFDIR uint32 = 0040000
	SIFREG uint32 = 0100000
	SIFLNK uint32 = 0120000
)

// Directory entry type codes (POSIX DT_*), as returned in fuse_dirent.typ.
const (
	DTUnknown uint32 = 0
	DTDir     uint32 = 4
	DTReg     uint32 = 8
	DTLnk     uint32 = 10
)

// SETATTR valid-bitmask fields used for truncate (SETATTR with size+fh).
const (
	FattrSize uint32 = 1 << 3
	FattrFH   uint32 = 1 << 6
)

// Open-flag bits, host-domain (Linux numeric encoding) as sent over the
// wire. The scheme adapter translates its own host-OS flag representation
// into these before building a request.
const (
	OAccmode   uint32 = 0x3
	ORdonly    uint32 = 0x0
	OWronly    uint32 = 0x1
	ORdwr      uint32 = 0x2
	OCreat     uint32 = 0x40
	OExcl      uint32 = 0x80
	OTrunc     uint32 = 0x200
	OAppend    uint32 = 0x400
	ODirectory uint32 = 0x10000
)
