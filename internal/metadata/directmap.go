package metadata

import (
	"bytes"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/crofs/crofs/internal/crofserr"
	"github.com/crofs/crofs/internal/layout"
)

// Direct is the zero-copy inode-access strategy: the bootstrap file is
// mmap'd once at mount time and every accessor computes a bounds-checked
// pointer into that mapping, exactly DirectMapping/DirectMapInodes in
// direct_map.rs. Unlike Cached, Direct never decodes the whole tree into
// heap structures; it decodes one inode record per call.
type Direct struct {
	data  []byte // the mmap'd region
	base  int    // byte offset of the start of the mapping within data (0)
	end   int
	sb    layout.Superblock
	table layout.InodeTable
	blobs []layout.BlobDescriptor
}

// OpenDirect mmaps f read-only, private, no-reserve (mirroring
// libc::mmap(..., PROT_READ, MAP_NORESERVE|MAP_PRIVATE, ...) in
// direct_map.rs's DirectMapping::from_raw_fd) and parses just enough of
// the bootstrap to serve accessors: the superblock, the inode offset
// table, and the blob table.
func OpenDirect(f *os.File) (*Direct, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, crofserr.New(crofserr.MalformedMetadata, "directmap.open", "", err)
	}
	size := int(fi.Size())
	if size < layout.SuperblockSize {
		return nil, crofserr.New(crofserr.MalformedMetadata, "directmap.open", "", errTooSmall)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, crofserr.New(crofserr.MalformedMetadata, "directmap.open", "", err)
	}

	d := &Direct{data: data, base: 0, end: size}

	if err := d.sb.UnmarshalBinary(data[:layout.SuperblockSize]); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if err := d.sb.Validate(int64(size)); err != nil {
		unix.Munmap(data)
		return nil, err
	}

	tableReader := bytes.NewReader(data[d.sb.InodeTableOffset:])
	table, err := layout.DecodeInodeTable(tableReader, int(d.sb.InodeTableEntries))
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	d.table = table

	blobReader := bytes.NewReader(data[d.sb.BlobTableOffset:])
	blobs, err := layout.DecodeBlobTable(blobReader)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	d.blobs = blobs

	return d, nil
}

// bounds checks that [off, off+n) lies within the mapping, the Go analogue
// of cast_to_ref's pointer comparison.
func (d *Direct) bounds(off, n int) error {
	if off < d.base || off > d.end || off+n < off || off+n > d.end {
		return crofserr.New(crofserr.MalformedMetadata, "directmap.bounds", "", errOutOfRange)
	}
	return nil
}

// decodeAt decodes one inode record starting at byte offset off,
// bounds-checking the fixed head first and then, now that NameLen/
// SymlinkLen/ChunkCount are known, the full record.
func (d *Direct) decodeAt(off int) (*layout.Inode, error) {
	if err := d.bounds(off, layout.InodeHeadSize); err != nil {
		return nil, err
	}
	r := bytes.NewReader(d.data[off:d.end])
	return layout.DecodeInode(r)
}

func (d *Direct) inodeOffset(ino uint64) (int, error) {
	off, ok := d.table.Get(ino)
	if !ok {
		return 0, crofserr.New(crofserr.NotFound, "directmap", "", nil)
	}
	return int(d.sb.InodeRecordsOffset) + int(off), nil
}

func (d *Direct) get(ino uint64) (*layout.Inode, error) {
	off, err := d.inodeOffset(ino)
	if err != nil {
		return nil, err
	}
	return d.decodeAt(off)
}

func (d *Direct) Lookup(parent uint64, name string) (uint64, error) {
	p, err := d.get(parent)
	if err != nil {
		return 0, err
	}
	if !p.IsDir() {
		return 0, crofserr.New(crofserr.NotADirectory, "lookup", name, nil)
	}
	lo, hi := int(p.ChildIndex), int(p.ChildIndex)+int(p.ChildCount)
	i := sort.Search(hi-lo, func(i int) bool {
		child, cerr := d.childAt(lo + i)
		if cerr != nil {
			return false
		}
		return child.Name >= name
	})
	if i < hi-lo {
		child, cerr := d.childAt(lo + i)
		if cerr == nil && child.Name == name {
			return child.Ino, nil
		}
	}
	return 0, crofserr.New(crofserr.NotFound, "lookup", name, nil)
}

// childAt decodes the inode at inode-table slot idx: a directory's children
// occupy a contiguous run in the inode table starting at its ChildIndex.
func (d *Direct) childAt(idx int) (*layout.Inode, error) {
	off, ok := d.table.Get(uint64(idx) + layout.RootIno)
	if !ok {
		return nil, crofserr.New(crofserr.MalformedMetadata, "directmap.child", "", errOutOfRange)
	}
	return d.decodeAt(int(d.sb.InodeRecordsOffset) + int(off))
}

func (d *Direct) GetAttr(ino uint64) (*layout.InodeHead, error) {
	n, err := d.get(ino)
	if err != nil {
		return nil, err
	}
	h := n.InodeHead
	return &h, nil
}

func (d *Direct) ReadDir(ino uint64, offset int, fn func(DirEntry) bool) error {
	p, err := d.get(ino)
	if err != nil {
		return err
	}
	if !p.IsDir() {
		return crofserr.New(crofserr.NotADirectory, "readdir", "", nil)
	}
	for i := offset; i < int(p.ChildCount); i++ {
		child, err := d.childAt(int(p.ChildIndex) + i)
		if err != nil {
			return err
		}
		if !fn(DirEntry{Name: child.Name, Ino: child.Ino, Mode: child.Mode}) {
			return nil
		}
	}
	return nil
}

func (d *Direct) ReadLink(ino uint64) (string, error) {
	n, err := d.get(ino)
	if err != nil {
		return "", err
	}
	if !n.IsSymlink() {
		return "", crofserr.New(crofserr.NotASymlink, "readlink", "", nil)
	}
	return n.Symlink, nil
}

func (d *Direct) ListXattr(ino uint64) ([]string, error) {
	n, err := d.get(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.Xattrs))
	for name := range n.Xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Direct) GetXattr(ino uint64, name string) ([]byte, error) {
	n, err := d.get(ino)
	if err != nil {
		return nil, err
	}
	v, ok := n.Xattrs[name]
	if !ok {
		return nil, crofserr.New(crofserr.NotFound, "getxattr", name, nil)
	}
	return v, nil
}

func (d *Direct) Chunks(ino uint64) ([]layout.ChunkRecord, error) {
	n, err := d.get(ino)
	if err != nil {
		return nil, err
	}
	if !n.IsRegular() {
		return nil, crofserr.New(crofserr.NotARegularFile, "chunks", "", nil)
	}
	return n.Chunks, nil
}

func (d *Direct) BlockSize() uint32                  { return d.sb.BlockSize }
func (d *Direct) BlobTable() []layout.BlobDescriptor { return d.blobs }

// Close releases the mmap. Accessors must not be called after Close.
func (d *Direct) Close() error {
	if d.data == nil {
		return nil
	}
	err := unix.Munmap(d.data)
	d.data = nil
	return err
}

type directErr string

func (e directErr) Error() string { return string(e) }

const (
	errTooSmall   = directErr("bootstrap shorter than superblock size")
	errOutOfRange = directErr("pointer arithmetic out of mapping bounds")
)
