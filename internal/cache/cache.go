package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/crofs/crofs/internal/backend"
	"github.com/crofs/crofs/internal/bio"
	"github.com/crofs/crofs/internal/crofserr"
	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/stats"
)

// readaheadWindow is the size of each posix_fadvise/readahead(2) call a
// mount issues per configured readahead range; a single call saturates the
// kernel's backing-device readahead size, so larger ranges are chunked into
// windows of this size rather than one giant call.
const readaheadWindow = 128 * 1024

// Cache is the per-blob chunk cache: the persistent presence bitmap plus
// the fetch path that turns a bio into verified, decompressed bytes.
type Cache struct {
	be        backend.Backend
	blobPath  string // local path backing blobID's <blob_path>.chunk_map
	blobID    string
	presence  *PresenceMap
	decoder   *zstd.Decoder
	fetchOnce singleflight.Group

	// Stats receives per-read counters if set; nil disables accounting.
	Stats *stats.Counters
}

// Open opens or creates a chunk cache for one blob, sized for chunkCount
// chunks.
func Open(be backend.Backend, blobPath, blobID string, chunkCount int) (*Cache, error) {
	presence, err := OpenPresenceMap(blobPath+".chunk_map", chunkCount)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		presence.Close()
		return nil, err
	}
	return &Cache{be: be, blobPath: blobPath, blobID: blobID, presence: presence, decoder: dec}, nil
}

// Close releases the presence mapping and decoder.
func (c *Cache) Close() error {
	c.decoder.Close()
	return c.presence.Close()
}

// Fetch satisfies one bio, copying bytes into dst (len(dst) must equal
// bio.Size), following the fetch path from the chunk-cache design: check
// presence, backend read, digest verify, decompress, copy, mark ready.
func (c *Cache) Fetch(ctx context.Context, b bio.Bio, dst []byte) error {
	if uint32(len(dst)) != b.Size {
		return crofserr.New(crofserr.MalformedMetadata, "cache.fetch", "", fmt.Errorf("dst len %d != bio size %d", len(dst), b.Size))
	}

	start := time.Now()
	wasReady := c.presence.HasReady(b.ChunkIndex)

	key := fmt.Sprintf("%s/%d", c.blobID, b.Chunk.CompressedOffset)
	v, err, _ := c.fetchOnce.Do(key, func() (interface{}, error) {
		return c.fetchChunk(ctx, b.Chunk, b.ChunkIndex)
	})
	if err != nil {
		if kind, ok := crofserr.KindOf(err); ok && (kind == crofserr.IntegrityError || kind == crofserr.CorruptChunk) {
			c.Stats.AddIntegrityError()
		}
		return err
	}
	plain := v.([]byte)
	copy(dst, plain[b.Offset:b.Offset+b.Size])
	c.Stats.AddRead(uint64(b.Size), time.Since(start), wasReady)
	return nil
}

// fetchChunk reads, verifies, and decompresses the whole chunk b belongs
// to, returning the uncompressed bytes. It does not itself dedupe
// concurrent callers; Fetch's singleflight.Group does that.
func (c *Cache) fetchChunk(ctx context.Context, chunk layout.ChunkRecord, idx int) ([]byte, error) {
	raw := make([]byte, chunk.CompressedSize)
	if _, err := c.be.Read(ctx, c.blobID, raw, int64(chunk.CompressedOffset)); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	if !bytes.Equal(sum[:], chunk.Digest[:]) {
		return nil, crofserr.New(crofserr.IntegrityError, "cache.fetch", c.blobID, fmt.Errorf("digest mismatch at chunk %d", idx))
	}

	var plain []byte
	if chunk.Compressed() {
		out, err := c.decoder.DecodeAll(raw, make([]byte, 0, chunk.UncompressedSize))
		if err != nil {
			return nil, crofserr.New(crofserr.CorruptChunk, "cache.fetch", c.blobID, err)
		}
		plain = out
	} else {
		plain = raw
	}

	c.presence.SetReady(idx)
	return plain, nil
}

// Readahead advises the kernel to prefetch a blob's configured readahead
// range in fixed-size windows, mirroring posix_fadvise(WILLNEED)/
// readahead(2) in the chunk-cache design.
func Readahead(fd int, offset, size int64) {
	for off := offset; off < offset+size; off += readaheadWindow {
		window := int64(readaheadWindow)
		if off+window > offset+size {
			window = offset + size - off
		}
		unix.Fadvise(fd, off, window, unix.FADV_WILLNEED)
	}
}
