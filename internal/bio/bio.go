// Package bio translates an (inode, offset, size) read request into an
// ordered list of chunk I/O descriptors. It is a direct, line-for-line
// port of alloc_bio_desc in rafs/src/metadata/cached.rs: the only
// component of the original source this module is grounded on.
package bio

import (
	"github.com/crofs/crofs/internal/crofserr"
	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/metadata"
)

// Bio is a descriptor of a byte range within a single chunk.
type Bio struct {
	Chunk      layout.ChunkRecord
	ChunkIndex int
	Offset     uint32 // in-chunk byte offset
	Size       uint32 // transfer length
}

// Descriptor is the ordered list of Bios needed to satisfy one read, plus
// the total byte count they cover.
type Descriptor struct {
	Bios      []Bio
	TotalSize uint32
}

// Plan implements the read-range-to-chunk-list algorithm (the Go analogue
// of nydus's alloc_bio_desc):
//
//	end = min(offset + size, inode.size)
//	for each chunk in inode.chunks in order:
//	  chunk_file_end = chunk.file_offset + block_size
//	  if chunk_file_end <= offset: continue
//	  if chunk.file_offset >= end:  break
//	  bio_offset = max(chunk.file_offset, offset)
//	  transfer  = min(end - bio_offset, chunk_file_end - bio_offset)
//	  emit Bio{chunk, bio_offset - chunk.file_offset, transfer}
func Plan(tree metadata.Tree, ino uint64, offset, size uint64) (*Descriptor, error) {
	attr, err := tree.GetAttr(ino)
	if err != nil {
		return nil, err
	}
	if !attr.IsRegular() {
		return nil, crofserr.New(crofserr.NotARegularFile, "plan_read", "", nil)
	}

	if offset >= attr.Size {
		return &Descriptor{}, nil
	}

	chunks, err := tree.Chunks(ino)
	if err != nil {
		return nil, err
	}
	blockSize := uint64(tree.BlockSize())

	end := offset + size
	if end > attr.Size {
		end = attr.Size
	}

	expectedChunks := (attr.Size + blockSize - 1) / blockSize
	if attr.Size > 0 && uint64(len(chunks)) < expectedChunks {
		return nil, crofserr.New(crofserr.MalformedMetadata, "plan_read", "", errShortChunkList)
	}

	desc := &Descriptor{}
	for i, chunk := range chunks {
		fileOffset := uint64(chunk.UncompressedOffset)
		chunkFileEnd := fileOffset + blockSize

		if chunkFileEnd <= offset {
			continue
		}
		if fileOffset >= end {
			break
		}

		bioOffset := fileOffset
		if offset > bioOffset {
			bioOffset = offset
		}
		transferA := end - bioOffset
		transferB := chunkFileEnd - bioOffset
		transfer := transferA
		if transferB < transfer {
			transfer = transferB
		}

		desc.Bios = append(desc.Bios, Bio{
			Chunk:      chunk,
			ChunkIndex: i,
			Offset:     uint32(bioOffset - fileOffset),
			Size:       uint32(transfer),
		})
		desc.TotalSize += uint32(transfer)
	}

	return desc, nil
}

type bioErr string

func (e bioErr) Error() string { return string(e) }

const errShortChunkList = bioErr("chunk list shorter than expected from inode size")
