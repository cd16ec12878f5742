package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redoxnix/guestagent/internal/virtiofs/fuseabi"
	"github.com/redoxnix/guestagent/internal/virtiofs/transport"
)

func encodeOut(unique uint64, errno int32, body []byte) []byte {
	buf := make([]byte, fuseabi.OutHeaderSize+len(body))
	hdr := fuseabi.OutHeader{Len: uint32(len(buf)), Error: errno, Unique: unique}
	hdr.Encode(buf)
	copy(buf[fuseabi.OutHeaderSize:], body)
	return buf
}

func encodeInitOut(maxReadahead, maxWrite uint32) []byte {
	buf := make([]byte, 24)
	buf[20] = byte(maxWrite)
	buf[21] = byte(maxWrite >> 8)
	buf[22] = byte(maxWrite >> 16)
	buf[23] = byte(maxWrite >> 24)
	buf[8] = byte(maxReadahead)
	buf[9] = byte(maxReadahead >> 8)
	buf[10] = byte(maxReadahead >> 16)
	buf[11] = byte(maxReadahead >> 24)
	return buf
}

func encodeAttrOut(ino uint64, mode uint32) []byte {
	buf := make([]byte, fuseabi.AttrOutSize)
	attrOff := 16
	buf[attrOff] = byte(ino)
	buf[attrOff+1] = byte(ino >> 8)
	buf[attrOff+60] = byte(mode)
	buf[attrOff+61] = byte(mode >> 8)
	buf[attrOff+62] = byte(mode >> 16)
	buf[attrOff+63] = byte(mode >> 24)
	return buf
}

func encodeEntryOut(nodeid uint64) []byte {
	buf := make([]byte, fuseabi.EntryOutSize)
	buf[0] = byte(nodeid)
	return buf
}

func TestInitNegotiatesReadaheadAndWrite(t *testing.T) {
	q := transport.NewFakeQueue(func(req []byte, writableLen int) ([]byte, error) {
		return encodeOut(1, 0, encodeInitOut(65536, 131072)), nil
	})

	s, err := Init(context.Background(), q, 1024*1024)
	require.NoError(t, err)
	require.EqualValues(t, 65536, s.MaxReadahead())
	require.EqualValues(t, 131072, s.MaxWrite())
}

func TestLookupWalkConsumesIncreasingUniqueIDs(t *testing.T) {
	var seenUniques []uint64
	nextNode := uint64(2)

	q := transport.NewFakeQueue(func(req []byte, writableLen int) ([]byte, error) {
		hdr, ok := decodeInHeader(req)
		require.True(t, ok)
		seenUniques = append(seenUniques, hdr.Unique)

		switch fuseabi.Opcode(hdr.Opcode) {
		case fuseabi.OpInit:
			return encodeOut(hdr.Unique, 0, encodeInitOut(1024, 4096)), nil
		case fuseabi.OpLookup:
			id := nextNode
			nextNode++
			return encodeOut(hdr.Unique, 0, encodeEntryOut(id)), nil
		case fuseabi.OpGetattr:
			return encodeOut(hdr.Unique, 0, encodeAttrOut(hdr.NodeID, fuseabi.SIFREG)), nil
		}
		return nil, nil
	})

	s, err := Init(context.Background(), q, 0)
	require.NoError(t, err)

	entry1, err := s.Lookup(context.Background(), fuseabi.RootNodeID, "foo")
	require.NoError(t, err)
	entry2, err := s.Lookup(context.Background(), entry1.NodeID, "bar")
	require.NoError(t, err)
	_, err = s.Getattr(context.Background(), entry2.NodeID)
	require.NoError(t, err)

	require.Len(t, seenUniques, 4) // init + 2 lookups + getattr
	for i := 1; i < len(seenUniques); i++ {
		require.Greater(t, seenUniques[i], seenUniques[i-1])
	}
}

func TestReaddirParsesDirents(t *testing.T) {
	entries := []fuseabi.Dirent{
		{Ino: 2, Off: 1, Type: fuseabi.DTDir, Name: "."},
		{Ino: 5, Off: 2, Type: fuseabi.DTReg, Name: "file.txt"},
	}
	buf := make([]byte, 256)
	n := 0
	for _, e := range entries {
		n += fuseabi.WriteDirent(buf[n:], e)
	}

	q := transport.NewFakeQueue(func(req []byte, writableLen int) ([]byte, error) {
		hdr, _ := decodeInHeader(req)
		return encodeOut(hdr.Unique, 0, buf[:n]), nil
	})
	s := &Session{transport: transport.New(q)}

	got, err := s.Readdir(context.Background(), 1, 10, 0, 256)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestWriteReturnsBytesWritten(t *testing.T) {
	q := transport.NewFakeQueue(func(req []byte, writableLen int) ([]byte, error) {
		hdr, _ := decodeInHeader(req)
		out := make([]byte, fuseabi.WriteOutSize)
		out[0] = 4
		return encodeOut(hdr.Unique, 0, out), nil
	})
	s := &Session{transport: transport.New(q)}

	n, err := s.Write(context.Background(), 1, 10, 0, []byte("data"))
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}

func TestFuseErrorPropagates(t *testing.T) {
	q := transport.NewFakeQueue(func(req []byte, writableLen int) ([]byte, error) {
		hdr, _ := decodeInHeader(req)
		return encodeOut(hdr.Unique, -2, nil), nil
	})
	s := &Session{transport: transport.New(q)}

	_, err := s.Getattr(context.Background(), 1)
	require.Error(t, err)
}

func decodeInHeader(data []byte) (fuseabi.InHeader, bool) {
	return fuseabi.DecodeInHeader(data)
}
