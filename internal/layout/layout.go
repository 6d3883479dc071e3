// Package layout implements the on-disk binary encoding of the bootstrap
// file: superblock, inode table, inode records (fixed head plus variable
// tails), chunk records and the blob table. It is grounded on the manual
// Marshal/Unmarshal style the squashfs codec this package's design started
// from used (fixed-size structs decoded with encoding/binary, variable-size
// tails decoded by hand), generalized from squashfs's block-indexed inodes
// to crofs's flat, alignment-unit-addressed ones.
//
// Every multi-byte field is little-endian. All variable-length tails are
// padded to Alignment bytes.
package layout

import (
	"encoding/binary"
	"io"

	"github.com/crofs/crofs/internal/crofserr"
)

// Alignment is the padding unit for every variable-length tail and for
// inode-table offsets, which are stored in units of Alignment bytes.
const Alignment = 8

// DefaultBlockSize is the default chunk window size (1 MiB), matching
// DEFAULT_RAFS_BLOCK_SIZE in the original source.
const DefaultBlockSize = 1 << 20

// DigestSize is the width of a content digest (SHA-256).
const DigestSize = 32

// Digest is a fixed-width content digest.
type Digest [DigestSize]byte

// Root reserves inode number 1 for the root directory, whose parent is
// itself.
const RootIno = 1

// Inode mode flag bits (stored in InodeHead.Flags, independent of the Unix
// permission bits carried in InodeHead.Mode).
const (
	FlagXattr uint32 = 1 << iota
	FlagSymlink
	FlagHardlink
)

// Compressor tags recorded in the superblock. A chunk record carries only
// ChunkFlagCompressed, not a tag of its own.
const (
	CompressorNone = uint8(0)
	CompressorZstd = uint8(1)
)

// padded rounds n up to the next multiple of Alignment.
func padded(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// writePadding writes n zero bytes.
func writePadding(w io.Writer, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := w.Write(make([]byte, n))
	return err
}

// skipPadding discards n bytes from r.
func skipPadding(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// errMalformed wraps err as a MalformedMetadata crofserr.Error tagged with
// op, the single failure kind every decode function in this package
// reports: all validation errors here are fatal to the current mount.
func errMalformed(op string, err error) error {
	return crofserr.New(crofserr.MalformedMetadata, op, "", err)
}

// readUint16/readUint32/readUint64 read one little-endian value each,
// wrapping short reads as MalformedMetadata.
func readUint16(r io.Reader, op string) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errMalformed(op, err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader, op string) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errMalformed(op, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader, op string) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errMalformed(op, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// readBytes reads n bytes, wrapping short reads as MalformedMetadata.
func readBytes(r io.Reader, n int, op string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errMalformed(op, err)
	}
	return buf, nil
}
