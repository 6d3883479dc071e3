package metadata

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/crofs/crofs/internal/layout"
)

// buildTestBootstrap hand-assembles a tiny bootstrap: root with children a
// (regular, 1 chunk), b (dir) and c (symlink -> a), sorted lexicographically
// as a,b,c.
// Inode numbers are assigned in BFS order starting at RootIno so that
// ChildIndex/child inode numbers line up, per the convention documented on
// Direct.childAt.
func buildTestBootstrap(t *testing.T) (path string, blobs []layout.BlobDescriptor) {
	t.Helper()

	// ChildIndex is the inode-table index (ino - RootIno) of the first
	// child; root occupies index 0, so its first child ("a", ino 2) sits
	// at index 1.
	root := &layout.Inode{
		InodeHead: layout.InodeHead{Ino: 1, Parent: 1, Mode: 0o040755, ChildIndex: 1, ChildCount: 3},
		Name:      "/",
	}
	a := &layout.Inode{
		InodeHead: layout.InodeHead{Ino: 2, Parent: 1, Mode: 0o100644, Size: 13},
		Name:      "a",
		Chunks: []layout.ChunkRecord{
			{UncompressedSize: 13},
		},
	}
	b := &layout.Inode{
		InodeHead: layout.InodeHead{Ino: 3, Parent: 1, Mode: 0o040755, ChildIndex: 3, ChildCount: 0},
		Name:      "b",
	}
	c := &layout.Inode{
		InodeHead: layout.InodeHead{Ino: 4, Parent: 1, Mode: 0o120777, Flags: layout.FlagSymlink},
		Name:      "c",
		Symlink:   "a",
	}

	var inodeBuf bytes.Buffer
	offsets := layout.InodeTable{}
	for _, n := range []*layout.Inode{root, a, b, c} {
		offsets = append(offsets, uint32(inodeBuf.Len()/layout.Alignment))
		if _, err := layout.EncodeInode(&inodeBuf, n); err != nil {
			t.Fatal(err)
		}
	}

	blobs = []layout.BlobDescriptor{{ID: "blob0"}}

	var tableBuf bytes.Buffer
	if err := layout.EncodeInodeTable(&tableBuf, offsets); err != nil {
		t.Fatal(err)
	}

	var blobBuf bytes.Buffer
	if _, err := layout.EncodeBlobTable(&blobBuf, blobs); err != nil {
		t.Fatal(err)
	}

	sb := &layout.Superblock{
		Magic:              layout.Magic,
		Version:            layout.SupportedVersion,
		InodeCount:         4,
		BlockSize:          layout.DefaultBlockSize,
		InodeTableOffset:   layout.SuperblockSize,
		InodeTableEntries:  4,
		InodeRecordsOffset: uint64(layout.SuperblockSize + tableBuf.Len()),
		BlobTableOffset:    uint64(layout.SuperblockSize + tableBuf.Len() + inodeBuf.Len()),
		BlobTableSize:      uint64(blobBuf.Len()),
		RootInode:          1,
	}
	sbBuf, err := sb.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var full bytes.Buffer
	full.Write(sbBuf)
	full.Write(tableBuf.Bytes())
	full.Write(inodeBuf.Bytes())
	full.Write(blobBuf.Bytes())

	f, err := ioutil.TempFile(t.TempDir(), "bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(full.Bytes()); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name(), blobs
}

func TestCachedLoadAndLookup(t *testing.T) {
	path, blobs := buildTestBootstrap(t)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sb := &layout.Superblock{}
	if err := sb.UnmarshalBinary(data[:layout.SuperblockSize]); err != nil {
		t.Fatal(err)
	}
	r := bytes.NewReader(data[sb.InodeRecordsOffset:])
	tree, err := LoadCached(r, sb, blobs, false)
	if err != nil {
		t.Fatal(err)
	}
	assertS1(t, tree)
}

func TestDirectLoadAndLookup(t *testing.T) {
	path, _ := buildTestBootstrap(t)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tree, err := OpenDirect(f)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()
	assertS1(t, tree)
}

func assertS1(t *testing.T, tree Tree) {
	t.Helper()
	aIno, err := tree.Lookup(1, "a")
	if err != nil {
		t.Fatalf("Lookup(a): %v", err)
	}
	attr, err := tree.GetAttr(aIno)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Size != 13 {
		t.Errorf("a.Size = %d, want 13", attr.Size)
	}

	cIno, err := tree.Lookup(1, "c")
	if err != nil {
		t.Fatalf("Lookup(c): %v", err)
	}
	target, err := tree.ReadLink(cIno)
	if err != nil {
		t.Fatal(err)
	}
	if target != "a" {
		t.Errorf("readlink(c) = %q, want %q", target, "a")
	}

	var names []string
	if err := tree.ReadDir(1, 0, func(e DirEntry) bool {
		names = append(names, e.Name)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("readdir names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	if _, err := tree.Lookup(1, "nonexistent"); err == nil {
		t.Fatal("expected NotFound for missing name")
	}
}
