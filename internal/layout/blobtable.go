package layout

import (
	"encoding/binary"
	"io"
)

// BlobDescriptor is one entry of the blob table: the blob's id string, its
// configured readahead range, and its total chunk count (needed to size
// the chunk cache's presence bitmap at mount time without re-scanning
// every inode's chunk list).
type BlobDescriptor struct {
	ID              string
	ReadaheadOffset uint64
	ReadaheadSize   uint32
	ChunkCount      uint32
}

// MaxBlobIDLen bounds a blob id, per the builder CLI's stated limit.
const MaxBlobIDLen = 1024

// EncodeBlobTable writes a packed list of blob descriptors.
func EncodeBlobTable(w io.Writer, blobs []BlobDescriptor) (int, error) {
	total := 0
	if err := writeUint32(w, uint32(len(blobs))); err != nil {
		return total, err
	}
	total += 4
	for _, b := range blobs {
		if err := writeUint16(w, uint16(len(b.ID))); err != nil {
			return total, err
		}
		total += 2
		if _, err := w.Write([]byte(b.ID)); err != nil {
			return total, err
		}
		total += len(b.ID)
		if err := writeUint64(w, b.ReadaheadOffset); err != nil {
			return total, err
		}
		total += 8
		if err := writeUint32(w, b.ReadaheadSize); err != nil {
			return total, err
		}
		total += 4
		if err := writeUint32(w, b.ChunkCount); err != nil {
			return total, err
		}
		total += 4
	}
	pad := padded(total) - total
	if err := writePadding(w, pad); err != nil {
		return total, err
	}
	return total + pad, nil
}

// DecodeBlobTable reads a packed list of blob descriptors.
func DecodeBlobTable(r io.Reader) ([]BlobDescriptor, error) {
	count, err := readUint32(r, "blobtable.decode")
	if err != nil {
		return nil, err
	}
	blobs := make([]BlobDescriptor, count)
	for i := range blobs {
		idLen, err := readUint16(r, "blobtable.decode")
		if err != nil {
			return nil, err
		}
		idBuf, err := readBytes(r, int(idLen), "blobtable.decode")
		if err != nil {
			return nil, err
		}
		roff, err := readUint64(r, "blobtable.decode")
		if err != nil {
			return nil, err
		}
		rsize, err := readUint32(r, "blobtable.decode")
		if err != nil {
			return nil, err
		}
		chunkCount, err := readUint32(r, "blobtable.decode")
		if err != nil {
			return nil, err
		}
		blobs[i] = BlobDescriptor{ID: string(idBuf), ReadaheadOffset: roff, ReadaheadSize: rsize, ChunkCount: chunkCount}
	}
	return blobs, nil
}

// InodeTable is the packed array of offsets into the inode records region
// (in alignment units), indexed by ino - RootIno, enabling O(1) lookup
// under direct-map.
type InodeTable []uint32

// EncodeInodeTable writes the packed offset array, little-endian.
func EncodeInodeTable(w io.Writer, t InodeTable) error {
	buf := make([]byte, 4*len(t))
	for i, v := range t {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	_, err := w.Write(buf)
	return err
}

// DecodeInodeTable reads n packed uint32 offsets.
func DecodeInodeTable(r io.Reader, n int) (InodeTable, error) {
	buf, err := readBytes(r, 4*n, "inodetable.decode")
	if err != nil {
		return nil, err
	}
	t := make(InodeTable, n)
	for i := range t {
		t[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return t, nil
}

// Get returns the byte offset (not alignment units) of ino's inode record.
func (t InodeTable) Get(ino uint64) (uint64, bool) {
	idx := ino - RootIno
	if idx >= uint64(len(t)) {
		return 0, false
	}
	return uint64(t[idx]) * Alignment, true
}
