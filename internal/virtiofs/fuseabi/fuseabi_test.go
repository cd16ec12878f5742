package fuseabi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirentRoundTrip(t *testing.T) {
	entries := []Dirent{
		{Ino: 2, Off: 1, Type: DTDir, Name: "."},
		{Ino: 3, Off: 2, Type: DTDir, Name: ".."},
		{Ino: 10, Off: 3, Type: DTReg, Name: "hello.txt"},
		{Ino: 11, Off: 4, Type: DTLnk, Name: "link-to-somewhere-long-enough-to-need-padding"},
	}

	buf := make([]byte, 4096)
	n := 0
	for _, e := range entries {
		written := WriteDirent(buf[n:], e)
		require.NotZero(t, written)
		n += written
	}

	parsed := ParseDirents(buf[:n])
	require.Equal(t, entries, parsed)
}

func TestWriteDirentTooSmall(t *testing.T) {
	buf := make([]byte, 4)
	n := WriteDirent(buf, Dirent{Name: "x"})
	require.Zero(t, n)
}

func TestDirentAlignment(t *testing.T) {
	buf := make([]byte, 64)
	n := WriteDirent(buf, Dirent{Ino: 1, Off: 1, Type: DTReg, Name: "a"})
	require.Zero(t, n%direntAlign)
}

func TestDecodeOutHeaderShort(t *testing.T) {
	_, ok := DecodeOutHeader([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestHeaderEncodeDecode(t *testing.T) {
	buf := make([]byte, InHeaderSize)
	hdr := InHeader{Len: 64, Opcode: uint32(OpLookup), Unique: 5, NodeID: 1, UID: 1000, GID: 1000, PID: 42}
	n := hdr.Encode(buf)
	require.Equal(t, InHeaderSize, n)

	out := make([]byte, OutHeaderSize)
	ohdr := OutHeader{Len: OutHeaderSize, Error: 0, Unique: 5}
	ohdr.Encode(out)

	decoded, ok := DecodeOutHeader(out)
	require.True(t, ok)
	require.Equal(t, ohdr, decoded)
}

func TestBuildRequestWithName(t *testing.T) {
	req := BuildRequest(OpLookup, 1, 7, nil, []byte("hello"))
	require.Equal(t, InHeaderSize+len("hello")+1, len(req))
	require.Zero(t, req[len(req)-1])
}

func TestEntryAndAttrOutRoundTrip(t *testing.T) {
	le := func(buf []byte, v uint64) { putU64(buf, v) }

	buf := make([]byte, EntryOutSize)
	le(buf[0:8], 42) // nodeid

	entry, ok := DecodeEntryOut(buf)
	require.True(t, ok)
	require.EqualValues(t, 42, entry.NodeID)

	_, ok = DecodeEntryOut(buf[:EntryOutSize-1])
	require.False(t, ok)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
