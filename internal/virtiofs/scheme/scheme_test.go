package scheme

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redoxnix/guestagent/internal/virtiofs/fuseabi"
	"github.com/redoxnix/guestagent/internal/virtiofs/session"
	"github.com/redoxnix/guestagent/internal/virtiofs/transport"
)

// fakeNode is one entry in an in-memory tree a fake virtiofsd serves
// requests against.
type fakeNode struct {
	nodeid   uint64
	isDir    bool
	mode     uint32
	data     []byte
	children map[string]uint64
	dirents  []fuseabi.Dirent
}

func encodeAttr(n *fakeNode) []byte {
	buf := make([]byte, fuseabi.AttrSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], n.nodeid)
	le.PutUint64(buf[8:16], uint64(len(n.data)))
	le.PutUint32(buf[60:64], n.mode)
	return buf
}

func encodeAttrOut(n *fakeNode) []byte {
	buf := make([]byte, fuseabi.AttrOutSize)
	copy(buf[16:], encodeAttr(n))
	return buf
}

func encodeEntryOut(n *fakeNode) []byte {
	buf := make([]byte, fuseabi.EntryOutSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.nodeid)
	copy(buf[40:], encodeAttr(n))
	return buf
}

func encodeOpenOut(fh uint64) []byte {
	buf := make([]byte, fuseabi.OpenOutSize)
	binary.LittleEndian.PutUint64(buf[0:8], fh)
	return buf
}

func encodeWriteOut(size uint32) []byte {
	buf := make([]byte, fuseabi.WriteOutSize)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	return buf
}

func encodeStatfsOut() []byte {
	buf := make([]byte, fuseabi.StatfsOutSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], 1000)
	le.PutUint64(buf[8:16], 500)
	le.PutUint64(buf[16:24], 400)
	le.PutUint32(buf[40:44], 4096)
	return buf
}

func encodeInitOut(maxReadahead, maxWrite uint32) []byte {
	buf := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(buf[8:12], maxReadahead)
	le.PutUint32(buf[20:24], maxWrite)
	return buf
}

func encodeOut(unique uint64, errno int32, body []byte) []byte {
	buf := make([]byte, fuseabi.OutHeaderSize+len(body))
	hdr := fuseabi.OutHeader{Len: uint32(len(buf)), Error: errno, Unique: unique}
	hdr.Encode(buf)
	copy(buf[fuseabi.OutHeaderSize:], body)
	return buf
}

func encodeDirents(entries []fuseabi.Dirent) []byte {
	buf := make([]byte, 4096)
	offset := 0
	for _, e := range entries {
		n := fuseabi.WriteDirent(buf[offset:], e)
		if n == 0 {
			break
		}
		offset += n
	}
	return buf[:offset]
}

func parseName(body []byte) string {
	if idx := bytes.IndexByte(body, 0); idx >= 0 {
		return string(body[:idx])
	}
	return string(body)
}

// newTestFS builds a small fixed tree: root/file.txt (5 bytes), root/sub/
// (a directory whose cached listing carries one entry of each DT_* kind
// plus one unrecognized kind, for the getdents type-mapping case).
func newTestFS() map[uint64]*fakeNode {
	fs := map[uint64]*fakeNode{}

	root := &fakeNode{nodeid: 1, isDir: true, mode: fuseabi.SIFDIR | 0755, children: map[string]uint64{}}
	fs[1] = root

	file := &fakeNode{nodeid: 2, isDir: false, mode: fuseabi.SIFREG | 0644, data: []byte("hello")}
	fs[2] = file
	root.children["file.txt"] = 2

	sub := &fakeNode{nodeid: 3, isDir: true, mode: fuseabi.SIFDIR | 0755, children: map[string]uint64{}}
	sub.dirents = []fuseabi.Dirent{
		{Ino: 10, Off: 1, Type: fuseabi.DTDir, Name: "adir"},
		{Ino: 11, Off: 2, Type: fuseabi.DTReg, Name: "afile"},
		{Ino: 12, Off: 3, Type: fuseabi.DTLnk, Name: "alink"},
		{Ino: 13, Off: 4, Type: 99, Name: "mystery"},
	}
	fs[3] = sub
	root.children["sub"] = 3

	return fs
}

// newTestScheme wires a Scheme over a fake virtiofsd that serves fs.
func newTestScheme(t *testing.T, fs map[uint64]*fakeNode) *Scheme {
	t.Helper()
	var nextFH uint64 = 100
	var nextIno uint64 = 100

	handler := func(req []byte, writableLen int) ([]byte, error) {
		hdr, ok := fuseabi.DecodeInHeader(req)
		require.True(t, ok)
		body := req[fuseabi.InHeaderSize:]

		switch fuseabi.Opcode(hdr.Opcode) {
		case fuseabi.OpInit:
			return encodeOut(hdr.Unique, 0, encodeInitOut(65536, 131072)), nil

		case fuseabi.OpLookup:
			parent := fs[hdr.NodeID]
			name := parseName(body)
			childID, found := parent.children[name]
			if !found {
				return encodeOut(hdr.Unique, -2, nil), nil
			}
			return encodeOut(hdr.Unique, 0, encodeEntryOut(fs[childID])), nil

		case fuseabi.OpGetattr:
			n, found := fs[hdr.NodeID]
			if !found {
				return encodeOut(hdr.Unique, -2, nil), nil
			}
			return encodeOut(hdr.Unique, 0, encodeAttrOut(n)), nil

		case fuseabi.OpOpen, fuseabi.OpOpendir:
			fh := nextFH
			nextFH++
			return encodeOut(hdr.Unique, 0, encodeOpenOut(fh)), nil

		case fuseabi.OpRelease, fuseabi.OpReleasedir:
			return encodeOut(hdr.Unique, 0, nil), nil

		case fuseabi.OpRead:
			n := fs[hdr.NodeID]
			offset := binary.LittleEndian.Uint64(body[8:16])
			size := binary.LittleEndian.Uint32(body[16:20])
			end := offset + uint64(size)
			if end > uint64(len(n.data)) {
				end = uint64(len(n.data))
			}
			var out []byte
			if offset < end {
				out = n.data[offset:end]
			}
			return encodeOut(hdr.Unique, 0, out), nil

		case fuseabi.OpWrite:
			n := fs[hdr.NodeID]
			offset := binary.LittleEndian.Uint64(body[8:16])
			size := binary.LittleEndian.Uint32(body[16:20])
			data := body[fuseabi.WriteInSize : fuseabi.WriteInSize+int(size)]
			end := int(offset) + len(data)
			if end > len(n.data) {
				grown := make([]byte, end)
				copy(grown, n.data)
				n.data = grown
			}
			copy(n.data[offset:], data)
			return encodeOut(hdr.Unique, 0, encodeWriteOut(size)), nil

		case fuseabi.OpSetattr:
			n := fs[hdr.NodeID]
			size := binary.LittleEndian.Uint64(body[16:24])
			if int(size) != len(n.data) {
				resized := make([]byte, size)
				copy(resized, n.data)
				n.data = resized
			}
			return encodeOut(hdr.Unique, 0, encodeAttrOut(n)), nil

		case fuseabi.OpReaddir:
			n := fs[hdr.NodeID]
			return encodeOut(hdr.Unique, 0, encodeDirents(n.dirents)), nil

		case fuseabi.OpStatfs:
			return encodeOut(hdr.Unique, 0, encodeStatfsOut()), nil

		case fuseabi.OpCreate:
			name := parseName(body[fuseabi.CreateInSize:])
			id := nextIno
			nextIno++
			node := &fakeNode{nodeid: id, isDir: false, mode: fuseabi.SIFREG | 0644}
			fs[id] = node
			fs[hdr.NodeID].children[name] = id
			fh := nextFH
			nextFH++
			out := append(encodeEntryOut(node), encodeOpenOut(fh)...)
			return encodeOut(hdr.Unique, 0, out), nil

		case fuseabi.OpMkdir:
			name := parseName(body[fuseabi.MkdirInSize:])
			id := nextIno
			nextIno++
			node := &fakeNode{nodeid: id, isDir: true, mode: fuseabi.SIFDIR | 0755, children: map[string]uint64{}}
			fs[id] = node
			fs[hdr.NodeID].children[name] = id
			return encodeOut(hdr.Unique, 0, encodeEntryOut(node)), nil

		case fuseabi.OpUnlink, fuseabi.OpRmdir:
			name := parseName(body)
			delete(fs[hdr.NodeID].children, name)
			return encodeOut(hdr.Unique, 0, nil), nil

		default:
			return encodeOut(hdr.Unique, -5, nil), nil
		}
	}

	q := transport.NewFakeQueue(handler)
	s, err := session.Init(context.Background(), q, 1024*1024)
	require.NoError(t, err)
	return New(s, "shared")
}

func TestResolvePathWalksNestedComponents(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	nodeid, attr, err := sc.resolvePath(context.Background(), "/sub/")
	require.NoError(t, err)
	require.EqualValues(t, 3, nodeid)
	require.True(t, attr.IsDir())
}

func TestResolvePathMissingComponentFails(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	_, _, err := sc.resolvePath(context.Background(), "nope")
	require.Error(t, err)
}

func TestOpenAtStatOnlyAllocatesZeroFH(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", OStat, 0)
	require.NoError(t, err)

	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.Zero(t, h.FH)
	require.False(t, h.IsDir)
}

func TestOpenAtDirectoryRequiresDirFlagOrReadOnly(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	_, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.OWronly, 0)
	require.Error(t, err)

	id, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.ODirectory, 0)
	require.NoError(t, err)
	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.True(t, h.IsDir)
}

func TestOpenAtFileWithDirectoryFlagFails(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	_, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ODirectory, 0)
	require.Error(t, err)
}

func TestOpenAtCreateExclusiveOnExistingFails(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	_, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.OCreat|fuseabi.OExcl, 0644)
	require.Error(t, err)
}

func TestOpenAtCreateMissingFileCreatesIt(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/new.txt", fuseabi.OCreat|fuseabi.OWronly, 0644)
	require.NoError(t, err)

	n, err := sc.Write(context.Background(), id, []byte("abc"), 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestOpenAtCreateDirectoryMkdirsThenOpens(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/newdir", fuseabi.OCreat|fuseabi.ODirectory, 0755)
	require.NoError(t, err)
	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.True(t, h.IsDir)
}

func TestRelativeOpenUsesParentHandleCachedPath(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	dirHandle, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.ODirectory, 0)
	require.NoError(t, err)

	id, err := sc.OpenAt(context.Background(), dirHandle, "newchild.txt", fuseabi.OCreat|fuseabi.OWronly, 0644)
	require.NoError(t, err)
	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.Equal(t, "sub/newchild.txt", h.Path)
}

func TestReadWriteRoundTrip(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdwr, 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := sc.Read(context.Background(), id, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	wn, err := sc.Write(context.Background(), id, []byte("!!"), 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, wn)

	size, err := sc.Fsize(context.Background(), id)
	require.NoError(t, err)
	require.EqualValues(t, 7, size)
}

func TestWriteRejectsReadOnlyHandle(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)
	_, err = sc.Write(context.Background(), id, []byte("x"), 0)
	require.Error(t, err)
}

func TestReadRejectsDirectoryHandle(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.ODirectory, 0)
	require.NoError(t, err)
	_, err = sc.Read(context.Background(), id, make([]byte, 10), 0)
	require.Error(t, err)
}

func TestTruncateUpdatesCachedSize(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdwr, 0)
	require.NoError(t, err)

	err = sc.Truncate(context.Background(), id, 2)
	require.NoError(t, err)

	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.EqualValues(t, 2, h.Size)
}

// TestGetdentsMapsUnknownTypeToRegular covers E7: DT_DIR/DT_REG/DT_LNK/
// unknown map to Directory/Regular/Symlink/Regular.
func TestGetdentsMapsUnknownTypeToRegular(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.ODirectory, 0)
	require.NoError(t, err)

	entries, next, err := sc.Getdents(context.Background(), id, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.EqualValues(t, 4, next)

	kinds := make([]Kind, len(entries))
	for i, e := range entries {
		kinds[i] = KindOf(e.Type)
	}
	require.Equal(t, []Kind{KindDirectory, KindRegular, KindSymlink, KindRegular}, kinds)
}

func TestGetdentsPaginatesAcrossCalls(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/sub", fuseabi.ODirectory, 0)
	require.NoError(t, err)

	first, next, err := sc.Getdents(context.Background(), id, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.EqualValues(t, 2, next)

	second, next, err := sc.Getdents(context.Background(), id, next, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.EqualValues(t, 4, next)
	require.Equal(t, "mystery", second[1].Name)
}

func TestGetdentsRejectsNonDirectoryHandle(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)
	_, _, err = sc.Getdents(context.Background(), id, 0, 10)
	require.Error(t, err)
}

func TestFeventReportsWritableOnlyWhenHandleWritable(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	ro, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)
	readable, writable, err := sc.Fevent(ro)
	require.NoError(t, err)
	require.True(t, readable)
	require.False(t, writable)

	rw, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdwr, 0)
	require.NoError(t, err)
	_, writable, err = sc.Fevent(rw)
	require.NoError(t, err)
	require.True(t, writable)
}

func TestUnlinkRemovesFileEntryNotDirectory(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	err := sc.Unlink(context.Background(), 0, "/file.txt")
	require.NoError(t, err)

	_, err = sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.Error(t, err)
}

func TestUnlinkEmptyNameFails(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	err := sc.Unlink(context.Background(), 0, "/")
	require.Error(t, err)
}

func TestCloseIsIdempotentAndReleasesHandle(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)

	require.NoError(t, sc.Close(context.Background(), id))
	require.NoError(t, sc.Close(context.Background(), id))

	_, err = sc.lookupHandle(id)
	require.Error(t, err)
}

func TestFstatReturnsCachedFields(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)

	st, err := sc.Fstat(context.Background(), id)
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Size)
}

func TestFstatvfsReadsFilesystemStats(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)

	vfs, err := sc.Fstatvfs(context.Background(), id)
	require.NoError(t, err)
	require.EqualValues(t, 4096, vfs.Bsize)
	require.EqualValues(t, 1000, vfs.Blocks)
}

func TestFpathPrefixesSchemeName(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.OpenAt(context.Background(), 0, "/file.txt", fuseabi.ORdonly, 0)
	require.NoError(t, err)

	p, err := sc.Fpath(id)
	require.NoError(t, err)
	require.Equal(t, "/scheme/shared/file.txt", p)
}

func TestSchemeRootOpensRootDirectory(t *testing.T) {
	sc := newTestScheme(t, newTestFS())
	id, err := sc.SchemeRoot(context.Background())
	require.NoError(t, err)
	h, err := sc.lookupHandle(id)
	require.NoError(t, err)
	require.True(t, h.IsDir)
	require.EqualValues(t, fuseabi.RootNodeID, h.NodeID)
}
