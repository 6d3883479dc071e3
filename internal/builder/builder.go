package builder

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"os"

	"golang.org/x/xerrors"

	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/metadata"
)

// Config is a single build's inputs, the Go shape of the `crofs-image
// create` CLI flags.
type Config struct {
	SourceDir       string
	ParentBootstrap string // optional
	BlobPath        string
	BootstrapPath   string
	BlobID          string // optional; a random id is generated if empty
	Compressor      string // "none" or "lz4_block" (served by the zstd codec, see DESIGN.md)
	EnableReadahead bool
}

// Report is returned to the CLI caller on a successful build.
type Report struct {
	BlobID     string
	InodeCount int
	ChunkCount uint32
}

func compressorTag(name string) (uint8, error) {
	switch name {
	case "", "none":
		return layout.CompressorNone, nil
	case "lz4_block":
		return layout.CompressorZstd, nil
	default:
		return 0, xerrors.Errorf("unknown compressor %q", name)
	}
}

// Build runs the full two-pass build: enumerate the source tree (optionally
// layered over a parent bootstrap), chunk and compress into the blob,
// compute digests bottom-up, and emit the bootstrap.
func Build(cfg Config) (*Report, error) {
	compressor, err := compressorTag(cfg.Compressor)
	if err != nil {
		return nil, err
	}

	var parentTree metadata.Tree
	var parentBlobs []layout.BlobDescriptor
	if cfg.ParentBootstrap != "" {
		tree, blobs, err := openParent(cfg.ParentBootstrap)
		if err != nil {
			return nil, xerrors.Errorf("opening parent bootstrap: %w", err)
		}
		defer tree.Close()
		parentTree, parentBlobs = tree, blobs
	}

	root, err := enumerate(cfg.SourceDir, parentTree)
	if err != nil {
		return nil, xerrors.Errorf("enumerate: %w", err)
	}
	order := assignBFS(root)

	blobID := cfg.BlobID
	if blobID == "" {
		blobID, err = randomBlobID()
		if err != nil {
			return nil, err
		}
	}
	if len(blobID) > layout.MaxBlobIDLen {
		return nil, xerrors.Errorf("blob id exceeds %d bytes", layout.MaxBlobIDLen)
	}

	blockSize := uint32(layout.DefaultBlockSize)

	blobFile, err := os.Create(cfg.BlobPath)
	if err != nil {
		return nil, xerrors.Errorf("creating blob: %w", err)
	}
	defer blobFile.Close()

	c, err := newChunker(blobFile, uint64(blockSize), compressor)
	if err != nil {
		return nil, err
	}
	// Parent blobs keep their original order after the newly emitted
	// blob, which always takes index 0, so inherited chunk references
	// shift by the count of blobs this build itself contributes (always
	// exactly one).
	c.seedFromParent(root, 1)
	remapInheritedBlobs(root, 1)

	if err := chunkAll(c, root); err != nil {
		return nil, xerrors.Errorf("chunking: %w", err)
	}
	digestTree(root)

	if err := blobFile.Sync(); err != nil {
		return nil, err
	}

	blobs := []layout.BlobDescriptor{{ID: blobID, ChunkCount: countOwnChunks(root)}}
	blobs = append(blobs, parentBlobs...)
	if cfg.EnableReadahead {
		blobs[0].ReadaheadOffset = 0
		blobs[0].ReadaheadSize = uint32(c.blobOffset)
	}

	bootstrap, err := emitBootstrap(order, blobs, blockSize, compressor)
	if err != nil {
		return nil, xerrors.Errorf("emitting bootstrap: %w", err)
	}
	if err := writeOutputs(cfg.BootstrapPath, bootstrap); err != nil {
		return nil, xerrors.Errorf("writing bootstrap: %w", err)
	}

	return &Report{BlobID: blobID, InodeCount: len(order), ChunkCount: blobs[0].ChunkCount}, nil
}

// countOwnChunks counts the chunk references to this build's blob (blob
// index 0) held by non-inherited files, excluding chunks deduped against
// or inherited from a parent blob; a chunk shared by several files through
// in-build dedup is counted once per file. The result becomes the emitted
// BlobDescriptor.ChunkCount, which sizes a mount's presence bitmap for
// this blob.
func countOwnChunks(n *node) uint32 {
	var count uint32
	var walk func(*node)
	walk = func(n *node) {
		if n.inherited {
			return
		}
		if n.isRegular() {
			for _, ch := range n.chunks {
				if ch.BlobIndex == 0 {
					count++
				}
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(n)
	return count
}

func randomBlobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// openParent reads a parent bootstrap's superblock and blob table, then
// loads it with the cached strategy, mirroring internal/fs/mount.go's
// Build (the on-disk format is read the same way whether the reader is the
// mount path or the builder's layering path).
func openParent(path string) (metadata.Tree, []layout.BlobDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	var sb layout.Superblock
	sbBuf := make([]byte, layout.SuperblockSize)
	if _, err := f.ReadAt(sbBuf, 0); err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := sb.UnmarshalBinary(sbBuf); err != nil {
		f.Close()
		return nil, nil, err
	}

	blobTableBuf := make([]byte, sb.BlobTableSize)
	if _, err := f.ReadAt(blobTableBuf, int64(sb.BlobTableOffset)); err != nil {
		f.Close()
		return nil, nil, err
	}
	blobs, err := layout.DecodeBlobTable(bytes.NewReader(blobTableBuf))
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if _, err := f.Seek(int64(sb.InodeRecordsOffset), 0); err != nil {
		f.Close()
		return nil, nil, err
	}
	tree, err := metadata.LoadCached(f, &sb, blobs, false)
	f.Close()
	if err != nil {
		return nil, nil, err
	}
	return tree, blobs, nil
}
