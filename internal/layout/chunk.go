package layout

import (
	"encoding/binary"
	"io"
)

// ChunkRecordSize is the fixed on-disk size of one chunk record, padded to
// a multiple of Alignment.
const ChunkRecordSize = DigestSize + 4 + 4 + 8 + 4 + 8 + 4 + 4 + 4

// ChunkFlagCompressed marks a chunk whose CompressedSize differs from its
// UncompressedSize because it went through the configured compressor.
const ChunkFlagCompressed uint32 = 1 << 0

// ChunkRecord describes one chunk: its digest, which blob holds it, where
// within the blob the compressed bytes live, and where within the logical
// file stream the uncompressed bytes belong.
type ChunkRecord struct {
	Digest Digest

	BlobIndex uint32
	Flags     uint32

	CompressedOffset uint64
	CompressedSize   uint32

	UncompressedOffset uint64
	UncompressedSize   uint32

	_reserved  uint32
	_reserved2 uint32
}

func (c *ChunkRecord) Compressed() bool { return c.Flags&ChunkFlagCompressed != 0 }

// EncodeChunk writes one fixed-size chunk record to w.
func EncodeChunk(w io.Writer, c *ChunkRecord) error {
	buf := make([]byte, ChunkRecordSize)
	le := binary.LittleEndian
	off := 0
	copy(buf[off:off+DigestSize], c.Digest[:])
	off += DigestSize
	le.PutUint32(buf[off:off+4], c.BlobIndex)
	off += 4
	le.PutUint32(buf[off:off+4], c.Flags)
	off += 4
	le.PutUint64(buf[off:off+8], c.CompressedOffset)
	off += 8
	le.PutUint32(buf[off:off+4], c.CompressedSize)
	off += 4
	le.PutUint64(buf[off:off+8], c.UncompressedOffset)
	off += 8
	le.PutUint32(buf[off:off+4], c.UncompressedSize)
	off += 4
	le.PutUint32(buf[off:off+4], c._reserved)
	off += 4
	le.PutUint32(buf[off:off+4], c._reserved2)
	_, err := w.Write(buf)
	return err
}

// DecodeChunk reads one fixed-size chunk record from r.
func DecodeChunk(r io.Reader) (*ChunkRecord, error) {
	buf, err := readBytes(r, ChunkRecordSize, "chunk.decode")
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	c := &ChunkRecord{}
	off := 0
	copy(c.Digest[:], buf[off:off+DigestSize])
	off += DigestSize
	c.BlobIndex = le.Uint32(buf[off : off+4])
	off += 4
	c.Flags = le.Uint32(buf[off : off+4])
	off += 4
	c.CompressedOffset = le.Uint64(buf[off : off+8])
	off += 8
	c.CompressedSize = le.Uint32(buf[off : off+4])
	off += 4
	c.UncompressedOffset = le.Uint64(buf[off : off+8])
	off += 8
	c.UncompressedSize = le.Uint32(buf[off : off+4])
	off += 4
	c._reserved = le.Uint32(buf[off : off+4])
	off += 4
	c._reserved2 = le.Uint32(buf[off : off+4])
	return c, nil
}
