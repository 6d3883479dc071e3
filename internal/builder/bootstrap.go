package builder

import (
	"bytes"
	"io"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"

	"github.com/crofs/crofs/internal/layout"
)

// emitBootstrap serializes the merged, BFS-ordered, digested tree plus a
// blob table into the on-disk bootstrap layout: superblock, inode table
// (offset array), inode records, blob table.
//
// Inode records are staged into a growing in-memory writerseeker.WriterSeeker
// before any offset is known — the same role bytes.Buffer plays for
// squashfs.Writer's inodeBuf, but via orcaman/writerseeker — so that each
// node's byte offset within the records region can be recorded as it is
// written, for the inode table to reference afterwards.
func emitBootstrap(order []*node, blocks []layout.BlobDescriptor, blockSize uint32, compressor uint8) ([]byte, error) {
	var recordsBuf writerseeker.WriterSeeker
	offsets := make(layout.InodeTable, len(order))

	for i, n := range order {
		pos, err := recordsBuf.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		if pos%layout.Alignment != 0 {
			return nil, errUnaligned
		}
		offsets[i] = uint32(pos / layout.Alignment)

		childIndex, childCount := uint32(0), uint32(0)
		if len(n.children) > 0 {
			childIndex = uint32(n.children[0].ino - layout.RootIno)
			childCount = uint32(len(n.children))
		}

		in := &layout.Inode{
			InodeHead: layout.InodeHead{
				Ino:        n.ino,
				Parent:     n.parentIno,
				Mode:       n.mode,
				UID:        n.uid,
				GID:        n.gid,
				Rdev:       n.rdev,
				Size:       n.size,
				Nlink:      nlinkOrOne(n.nlink),
				ChildIndex: childIndex,
				ChildCount: childCount,
				Digest:     n.digest,
			},
			Name:    n.name,
			Symlink: n.symlink,
			Xattrs:  n.xattrs,
			Chunks:  n.chunks,
		}
		if n.isSymlink() {
			in.Flags |= layout.FlagSymlink
		}
		if _, err := layout.EncodeInode(&recordsBuf, in); err != nil {
			return nil, err
		}
	}

	recordsLen, err := recordsBuf.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	recordsBytes, err := io.ReadAll(recordsBuf.Reader())
	if err != nil {
		return nil, err
	}

	var tableBuf bytes.Buffer
	if err := layout.EncodeInodeTable(&tableBuf, offsets); err != nil {
		return nil, err
	}
	tablePadded := padTo8(tableBuf.Bytes())

	var blobBuf bytes.Buffer
	if _, err := layout.EncodeBlobTable(&blobBuf, blocks); err != nil {
		return nil, err
	}

	sb := layout.Superblock{
		Magic:              layout.Magic,
		Version:            layout.SupportedVersion,
		InodeCount:         uint64(len(order)),
		BlockSize:          blockSize,
		Compressor:         compressor,
		Digest:             0, // sha256, the only supported digest algorithm
		InodeTableOffset:   layout.SuperblockSize,
		InodeTableEntries:  uint64(len(offsets)),
		InodeRecordsOffset: uint64(layout.SuperblockSize + len(tablePadded)),
		BlobTableOffset:    uint64(layout.SuperblockSize+len(tablePadded)) + uint64(recordsLen),
		BlobTableSize:      uint64(blobBuf.Len()),
		RootInode:          layout.RootIno,
	}

	sbBytes, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sbBytes)+len(tablePadded)+len(recordsBytes)+blobBuf.Len())
	out = append(out, sbBytes...)
	out = append(out, tablePadded...)
	out = append(out, recordsBytes...)
	out = append(out, blobBuf.Bytes()...)
	return out, nil
}

func nlinkOrOne(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

func padTo8(b []byte) []byte {
	if rem := len(b) % layout.Alignment; rem != 0 {
		b = append(b, make([]byte, layout.Alignment-rem)...)
	}
	return b
}

// writeOutputs atomically replaces bootstrapPath's content with the
// assembled bootstrap, using github.com/google/renameio for crash-safe
// file replacement.
func writeOutputs(bootstrapPath string, bootstrap []byte) error {
	return renameio.WriteFile(bootstrapPath, bootstrap, 0o644)
}

type builderErr string

func (e builderErr) Error() string { return string(e) }

const errUnaligned = builderErr("inode record offset not aligned")
