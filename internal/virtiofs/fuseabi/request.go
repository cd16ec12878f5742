package fuseabi

// BuildRequest assembles a full FUSE request: InHeader + args + an optional
// null-terminated name. The header's Len field is computed from the total
// size, matching the upstream ABI's self-describing framing.
func BuildRequest(opcode Opcode, nodeid, unique uint64, args []byte, name []byte) []byte {
	nameLen := 0
	if name != nil {
		nameLen = len(name) + 1 // null terminator
	}
	total := InHeaderSize + len(args) + nameLen

	buf := make([]byte, total)
	hdr := InHeader{
		Len:    uint32(total),
		Opcode: uint32(opcode),
		Unique: unique,
		NodeID: nodeid,
	}
	hdr.Encode(buf[:InHeaderSize])

	n := InHeaderSize
	n += copy(buf[n:], args)
	if name != nil {
		n += copy(buf[n:], name)
		buf[n] = 0
		n++
	}
	return buf
}
