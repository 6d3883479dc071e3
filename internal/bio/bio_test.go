package bio

import (
	"testing"

	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/metadata"
)

// fakeTree is a minimal metadata.Tree backing only what Plan needs, letting
// the bio tests exercise the planning algorithm in isolation, the way
// alloc_bio_desc's own unit test in cached.rs constructs a bare
// CachedInode rather than a whole mount.
type fakeTree struct {
	attr      layout.InodeHead
	chunks    []layout.ChunkRecord
	blockSize uint32
}

func (f *fakeTree) Lookup(uint64, string) (uint64, error)     { panic("unused") }
func (f *fakeTree) GetAttr(uint64) (*layout.InodeHead, error) { a := f.attr; return &a, nil }
func (f *fakeTree) ReadDir(uint64, int, func(metadata.DirEntry) bool) error {
	panic("unused")
}
func (f *fakeTree) ReadLink(uint64) (string, error)             { panic("unused") }
func (f *fakeTree) ListXattr(uint64) ([]string, error)          { panic("unused") }
func (f *fakeTree) GetXattr(uint64, string) ([]byte, error)     { panic("unused") }
func (f *fakeTree) Chunks(uint64) ([]layout.ChunkRecord, error) { return f.chunks, nil }
func (f *fakeTree) BlockSize() uint32                           { return f.blockSize }
func (f *fakeTree) BlobTable() []layout.BlobDescriptor          { return nil }
func (f *fakeTree) Close() error                                { return nil }

// TestPlanAcrossLastPartialChunk exercises a 3 MiB + 8 KiB file at 1 MiB
// block size. Plan(offset=1MiB-100, size=200) must yield two bios of size
// 100 each, and Plan(offset=1MiB+8192, size=4MiB) must yield three bios
// with the last sized 8192 (not 0 — the builder's last-chunk-size fix this
// repo carries, see internal/builder).
func TestPlanAcrossLastPartialChunk(t *testing.T) {
	const blockSize = 1 << 20
	fileSize := uint64(3*blockSize + 8192)
	chunks := []layout.ChunkRecord{
		{UncompressedOffset: 0 * blockSize, UncompressedSize: blockSize},
		{UncompressedOffset: 1 * blockSize, UncompressedSize: blockSize},
		{UncompressedOffset: 2 * blockSize, UncompressedSize: blockSize},
		{UncompressedOffset: 3 * blockSize, UncompressedSize: 8192},
	}
	tree := &fakeTree{
		attr:      layout.InodeHead{Mode: 0o100644, Size: fileSize},
		chunks:    chunks,
		blockSize: blockSize,
	}

	desc, err := Plan(tree, 1, blockSize-100, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(desc.Bios) != 2 {
		t.Fatalf("len(Bios) = %d, want 2", len(desc.Bios))
	}
	if desc.Bios[0].ChunkIndex != 0 || desc.Bios[0].Offset != blockSize-100 || desc.Bios[0].Size != 100 {
		t.Errorf("bio[0] = %+v, want chunk 0 offset %d size 100", desc.Bios[0], blockSize-100)
	}
	if desc.Bios[1].ChunkIndex != 1 || desc.Bios[1].Offset != 0 || desc.Bios[1].Size != 100 {
		t.Errorf("bio[1] = %+v, want chunk 1 offset 0 size 100", desc.Bios[1])
	}

	desc2, err := Plan(tree, 1, blockSize+8192, 4*blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(desc2.Bios) != 3 {
		t.Fatalf("len(Bios) = %d, want 3", len(desc2.Bios))
	}
	last := desc2.Bios[len(desc2.Bios)-1]
	if last.Size != 8192 {
		t.Errorf("last bio size = %d, want 8192", last.Size)
	}
}

func TestPlanEmptyBeyondEOF(t *testing.T) {
	tree := &fakeTree{attr: layout.InodeHead{Mode: 0o100644, Size: 10}, blockSize: 1024}
	desc, err := Plan(tree, 1, 20, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(desc.Bios) != 0 {
		t.Errorf("expected empty descriptor past EOF, got %d bios", len(desc.Bios))
	}
}

func TestPlanNotRegularFile(t *testing.T) {
	tree := &fakeTree{attr: layout.InodeHead{Mode: 0o040755}}
	if _, err := Plan(tree, 1, 0, 10); err == nil {
		t.Fatal("expected NotARegularFile error for directory")
	}
}
