package builder

import (
	"crypto/sha256"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/crofs/crofs/internal/layout"
)

// blobWriter is the subset of *os.File (or *bytes.Buffer, in tests) the
// chunker needs: sequential appends to the open blob output.
type blobWriter interface {
	io.Writer
}

// chunkLocation is what the blob-wide chunk index stores at a given digest,
// used both to dedup across the build and to hand back existing offsets
// instead of re-compressing.
type chunkLocation struct {
	blobIndex          uint32
	flags              uint32
	compressedOffset   uint64
	compressedSize     uint32
	uncompressedOffset uint64
	uncompressedSize   uint32
}

// chunker drives pass 2: it walks every non-inherited regular file, splits
// it into block-size windows, hashes and (maybe) dedups and compresses each
// window, and appends new bytes to the open blob file.
type chunker struct {
	blockSize  uint64
	compressor uint8
	blobFile   blobWriter
	blobOffset uint64
	index      map[layout.Digest]chunkLocation
	encoder    *zstd.Encoder
}

func newChunker(blobFile blobWriter, blockSize uint64, compressor uint8) (*chunker, error) {
	c := &chunker{
		blockSize:  blockSize,
		compressor: compressor,
		blobFile:   blobFile,
		index:      make(map[layout.Digest]chunkLocation),
	}
	if compressor == layout.CompressorZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		c.encoder = enc
	}
	return c, nil
}

// seedFromParent registers every chunk digest already present in an
// inherited subtree, so a source-side file whose content happens to match a
// parent chunk byte-for-byte is deduped against it instead of rewritten into
// the new blob. blobIndexOffset is how far remapped parent blob indices sit
// in the final merged blob table (see remapInheritedBlobs).
func (c *chunker) seedFromParent(n *node, blobIndexOffset uint32) {
	if n.inherited {
		for _, ch := range n.chunks {
			c.index[ch.Digest] = chunkLocation{
				blobIndex:          ch.BlobIndex + blobIndexOffset,
				flags:              ch.Flags,
				compressedOffset:   ch.CompressedOffset,
				compressedSize:     ch.CompressedSize,
				uncompressedOffset: ch.UncompressedOffset,
				uncompressedSize:   ch.UncompressedSize,
			}
		}
	}
	for _, child := range n.children {
		c.seedFromParent(child, blobIndexOffset)
	}
}

// chunkFile splits a regular file into block-size windows (the last window
// sized ((size-1) mod block_size)+1 for size>0, matching the corrected
// last-chunk-size rule; size==0 files get no chunks at all), computing a
// SHA-256 digest per window, deduping against c.index and otherwise
// compressing and appending to the blob.
func (c *chunker) chunkFile(n *node) error {
	if n.size == 0 {
		return nil
	}

	f, err := os.Open(n.sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	chunkCount := (n.size + c.blockSize - 1) / c.blockSize
	n.chunks = make([]layout.ChunkRecord, 0, chunkCount)

	buf := make([]byte, c.blockSize)
	for i := uint64(0); i < chunkCount; i++ {
		fileOffset := i * c.blockSize
		winSize := c.blockSize
		if i == chunkCount-1 {
			winSize = ((n.size - 1) % c.blockSize) + 1
		}

		window := buf[:winSize]
		if _, err := io.ReadFull(f, window); err != nil {
			return err
		}

		sum := sha256.Sum256(window)
		var digest layout.Digest
		copy(digest[:], sum[:])

		if loc, ok := c.index[digest]; ok {
			n.chunks = append(n.chunks, layout.ChunkRecord{
				Digest:             digest,
				BlobIndex:          loc.blobIndex,
				Flags:              loc.flags,
				CompressedOffset:   loc.compressedOffset,
				CompressedSize:     loc.compressedSize,
				UncompressedOffset: fileOffset,
				UncompressedSize:   uint32(winSize),
			})
			continue
		}

		payload := window
		flags := uint32(0)
		if c.compressor == layout.CompressorZstd {
			payload = c.encoder.EncodeAll(window, nil)
			flags |= layout.ChunkFlagCompressed
		}

		if _, err := c.blobFile.Write(payload); err != nil {
			return err
		}
		rec := layout.ChunkRecord{
			Digest:             digest,
			BlobIndex:          0,
			Flags:              flags,
			CompressedOffset:   c.blobOffset,
			CompressedSize:     uint32(len(payload)),
			UncompressedOffset: fileOffset,
			UncompressedSize:   uint32(winSize),
		}
		c.blobOffset += uint64(len(payload))

		c.index[digest] = chunkLocation{
			blobIndex:          rec.BlobIndex,
			flags:              rec.Flags,
			compressedOffset:   rec.CompressedOffset,
			compressedSize:     rec.CompressedSize,
			uncompressedOffset: rec.UncompressedOffset,
			uncompressedSize:   rec.UncompressedSize,
		}
		n.chunks = append(n.chunks, rec)
	}
	return nil
}

// digestTree computes every inode's content digest bottom-up: a regular
// file's digest is the hash of the concatenation of its chunk digests, a
// directory's is the hash of the concatenation of its (sorted, already
// emitted) children's digests.
func digestTree(n *node) {
	if n.inherited {
		return
	}
	if n.isDir() {
		for _, c := range n.children {
			digestTree(c)
		}
		h := sha256.New()
		for _, c := range n.children {
			h.Write(c.digest[:])
		}
		copy(n.digest[:], h.Sum(nil))
		return
	}
	if n.isRegular() {
		h := sha256.New()
		for _, ch := range n.chunks {
			h.Write(ch.Digest[:])
		}
		copy(n.digest[:], h.Sum(nil))
	}
}

// chunkAll walks the merged tree, chunking every non-inherited regular file
// and registering its content in the blob-wide dedup index.
func chunkAll(c *chunker, n *node) error {
	if n.inherited {
		return nil
	}
	if n.isRegular() {
		return c.chunkFile(n)
	}
	for _, child := range n.children {
		if err := chunkAll(c, child); err != nil {
			return err
		}
	}
	return nil
}
