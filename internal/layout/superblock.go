package layout

import (
	"encoding/binary"
	"io"

	"github.com/crofs/crofs/internal/crofserr"
)

// Magic is the fixed 4-byte tag that opens every bootstrap file.
const Magic = uint32(0x43524f46) // "CROF", little-endian on disk

// SupportedVersion is the only format version this implementation reads
// and writes.
const SupportedVersion = uint32(1)

// SuperblockSize is the fixed, padded size of the on-disk superblock.
const SuperblockSize = 72

// Superblock is the fixed-size prefix of the bootstrap file.
type Superblock struct {
	Magic      uint32
	Version    uint32
	InodeCount uint64
	BlockSize  uint32
	Compressor uint8
	Digest     uint8
	Flags      uint16

	InodeTableOffset  uint64 // byte offset of the packed inode-offset table
	InodeTableEntries uint64 // number of entries == InodeCount (ino - RootIno based)

	// InodeRecordsOffset is the byte offset of the inode records region,
	// streamed sequentially in BFS order by the cached loader and indexed
	// into via InodeTableOffset's entries by the direct-map loader.
	InodeRecordsOffset uint64

	BlobTableOffset uint64
	BlobTableSize   uint64 // bytes

	RootInode uint64
}

// MarshalBinary encodes the superblock into exactly SuperblockSize bytes.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], sb.Magic)
	le.PutUint32(buf[4:8], sb.Version)
	le.PutUint64(buf[8:16], sb.InodeCount)
	le.PutUint32(buf[16:20], sb.BlockSize)
	buf[20] = sb.Compressor
	buf[21] = sb.Digest
	le.PutUint16(buf[22:24], sb.Flags)
	le.PutUint64(buf[24:32], sb.InodeTableOffset)
	le.PutUint64(buf[32:40], sb.InodeTableEntries)
	le.PutUint64(buf[40:48], sb.InodeRecordsOffset)
	le.PutUint64(buf[48:56], sb.BlobTableOffset)
	le.PutUint64(buf[56:64], sb.BlobTableSize)
	le.PutUint64(buf[64:72], sb.RootInode)
	return buf, nil
}

// UnmarshalBinary decodes a superblock from exactly SuperblockSize bytes and
// validates magic, version and basic cross-field bounds.
func (sb *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < SuperblockSize {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.unmarshal", "", io.ErrUnexpectedEOF)
	}
	le := binary.LittleEndian
	sb.Magic = le.Uint32(buf[0:4])
	sb.Version = le.Uint32(buf[4:8])
	sb.InodeCount = le.Uint64(buf[8:16])
	sb.BlockSize = le.Uint32(buf[16:20])
	sb.Compressor = buf[20]
	sb.Digest = buf[21]
	sb.Flags = le.Uint16(buf[22:24])
	sb.InodeTableOffset = le.Uint64(buf[24:32])
	sb.InodeTableEntries = le.Uint64(buf[32:40])
	sb.InodeRecordsOffset = le.Uint64(buf[40:48])
	sb.BlobTableOffset = le.Uint64(buf[48:56])
	sb.BlobTableSize = le.Uint64(buf[56:64])
	sb.RootInode = le.Uint64(buf[64:72])

	if sb.Magic != Magic {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.unmarshal", "", errBadMagic)
	}
	if sb.Version != SupportedVersion {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.unmarshal", "", errBadVersion)
	}
	if sb.BlockSize == 0 {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.unmarshal", "", errBadBlockSize)
	}
	if sb.InodeTableOffset%Alignment != 0 || sb.BlobTableOffset%Alignment != 0 {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.unmarshal", "", errMisaligned)
	}
	return nil
}

// Validate cross-checks table offsets against the total bootstrap file
// length, the second half of validation the caller performs once it knows
// the file size (UnmarshalBinary does the first half, before the size is
// known).
func (sb *Superblock) Validate(fileSize int64) error {
	if int64(sb.InodeTableOffset) > fileSize || int64(sb.BlobTableOffset) > fileSize {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.validate", "", errTableOutOfRange)
	}
	if int64(sb.BlobTableOffset+sb.BlobTableSize) > fileSize {
		return crofserr.New(crofserr.MalformedMetadata, "superblock.validate", "", errTableOutOfRange)
	}
	return nil
}

type sberr string

func (e sberr) Error() string { return string(e) }

const (
	errBadMagic        = sberr("bad magic")
	errBadVersion      = sberr("unsupported version")
	errBadBlockSize    = sberr("zero block size")
	errMisaligned      = sberr("table offset not aligned")
	errTableOutOfRange = sberr("table offset beyond file length")
)
