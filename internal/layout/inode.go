package layout

import (
	"encoding/binary"
	"io"

	"github.com/crofs/crofs/internal/crofserr"
)

// InodeHeadSize is the fixed-size portion of every on-disk inode record:
// 80 bytes of scalar fields followed by a 32-byte digest.
const InodeHeadSize = 112

// MaxNameLen bounds a single path component, matching common filesystem
// practice (and squashfs's own name length limit).
const MaxNameLen = 255

// MaxSymlinkLen bounds a symlink target at PATH_MAX, the same ceiling
// get_symlink enforces in the direct-map reader this package's decoder is
// grounded on.
const MaxSymlinkLen = 4096

// InodeHead is the fixed head of an inode record: everything before the
// variable-length name/symlink/xattr/chunk tails.
type InodeHead struct {
	Ino    uint64
	Parent uint64
	Mode   uint32
	UID    uint32
	GID    uint32
	Rdev   uint32

	Size   uint64
	Nlink  uint32
	Blocks uint64

	Flags uint32

	ChildIndex uint32
	ChildCount uint32

	NameLen    uint16
	SymlinkLen uint16
	_reserved  uint32

	ChunkCount uint32
	_reserved2 uint32

	Digest Digest
}

// Inode is a fully decoded inode record: head plus tails.
type Inode struct {
	InodeHead
	Name    string
	Symlink string
	Xattrs  map[string][]byte
	Chunks  []ChunkRecord
}

func (h *InodeHead) IsDir() bool     { return h.Mode&0o170000 == 0o040000 }
func (h *InodeHead) IsRegular() bool { return h.Mode&0o170000 == 0o100000 }
func (h *InodeHead) IsSymlink() bool { return h.Flags&FlagSymlink != 0 }
func (h *InodeHead) HasXattr() bool  { return h.Flags&FlagXattr != 0 }

// marshalHead encodes the fixed head into exactly InodeHeadSize bytes.
func marshalHead(h *InodeHead) []byte {
	buf := make([]byte, InodeHeadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], h.Ino)
	le.PutUint64(buf[8:16], h.Parent)
	le.PutUint32(buf[16:20], h.Mode)
	le.PutUint32(buf[20:24], h.UID)
	le.PutUint32(buf[24:28], h.GID)
	le.PutUint32(buf[28:32], h.Rdev)
	le.PutUint64(buf[32:40], h.Size)
	le.PutUint32(buf[40:44], h.Nlink)
	le.PutUint64(buf[44:52], h.Blocks)
	le.PutUint32(buf[52:56], h.Flags)
	le.PutUint32(buf[56:60], h.ChildIndex)
	le.PutUint32(buf[60:64], h.ChildCount)
	le.PutUint16(buf[64:66], h.NameLen)
	le.PutUint16(buf[66:68], h.SymlinkLen)
	le.PutUint32(buf[72:76], h.ChunkCount)
	copy(buf[80:80+DigestSize], h.Digest[:])
	return buf
}

func unmarshalHead(buf []byte) (InodeHead, error) {
	var h InodeHead
	if len(buf) < InodeHeadSize {
		return h, crofserr.New(crofserr.MalformedMetadata, "inode.unmarshalHead", "", io.ErrUnexpectedEOF)
	}
	le := binary.LittleEndian
	h.Ino = le.Uint64(buf[0:8])
	h.Parent = le.Uint64(buf[8:16])
	h.Mode = le.Uint32(buf[16:20])
	h.UID = le.Uint32(buf[20:24])
	h.GID = le.Uint32(buf[24:28])
	h.Rdev = le.Uint32(buf[28:32])
	h.Size = le.Uint64(buf[32:40])
	h.Nlink = le.Uint32(buf[40:44])
	h.Blocks = le.Uint64(buf[44:52])
	h.Flags = le.Uint32(buf[52:56])
	h.ChildIndex = le.Uint32(buf[56:60])
	h.ChildCount = le.Uint32(buf[60:64])
	h.NameLen = le.Uint16(buf[64:66])
	h.SymlinkLen = le.Uint16(buf[66:68])
	h.ChunkCount = le.Uint32(buf[72:76])
	copy(h.Digest[:], buf[80:80+DigestSize])

	if h.NameLen > MaxNameLen {
		return h, crofserr.New(crofserr.MalformedMetadata, "inode.unmarshalHead", "", errNameTooLong)
	}
	if h.SymlinkLen > MaxSymlinkLen {
		return h, crofserr.New(crofserr.MalformedMetadata, "inode.unmarshalHead", "", errSymlinkTooLong)
	}
	return h, nil
}

// EncodeInode writes one full inode record (head + tails) to w, returning
// the number of bytes written (always a multiple of Alignment).
func EncodeInode(w io.Writer, n *Inode) (int, error) {
	n.NameLen = uint16(len(n.Name))
	n.SymlinkLen = uint16(len(n.Symlink))
	n.ChunkCount = uint32(len(n.Chunks))
	if len(n.Xattrs) > 0 {
		n.Flags |= FlagXattr
	}

	total := 0
	head := marshalHead(&n.InodeHead)
	if _, err := w.Write(head); err != nil {
		return total, err
	}
	total += len(head)

	// Tail 1: name, padded.
	if _, err := w.Write([]byte(n.Name)); err != nil {
		return total, err
	}
	total += len(n.Name)
	pad := padded(len(n.Name)) - len(n.Name)
	if err := writePadding(w, pad); err != nil {
		return total, err
	}
	total += pad

	// Tail 2: symlink target, padded, present iff symlink.
	if n.IsSymlink() {
		if _, err := w.Write([]byte(n.Symlink)); err != nil {
			return total, err
		}
		total += len(n.Symlink)
		pad := padded(len(n.Symlink)) - len(n.Symlink)
		if err := writePadding(w, pad); err != nil {
			return total, err
		}
		total += pad
	}

	// Tail 3: xattr block.
	if n.HasXattr() {
		nw, err := encodeXattrs(w, n.Xattrs)
		if err != nil {
			return total, err
		}
		total += nw
	}

	// Tail 4: chunk records, regular files with size > 0 only.
	for i := range n.Chunks {
		if err := EncodeChunk(w, &n.Chunks[i]); err != nil {
			return total, err
		}
		total += ChunkRecordSize
	}

	return total, nil
}

// DecodeInode reads one full inode record from r.
func DecodeInode(r io.Reader) (*Inode, error) {
	headBuf, err := readBytes(r, InodeHeadSize, "inode.decode")
	if err != nil {
		return nil, err
	}
	head, err := unmarshalHead(headBuf)
	if err != nil {
		return nil, err
	}
	n := &Inode{InodeHead: head}

	nameLen := int(head.NameLen)
	nameBuf, err := readBytes(r, padded(nameLen), "inode.decode.name")
	if err != nil {
		return nil, err
	}
	n.Name = string(nameBuf[:nameLen])

	if head.Flags&FlagSymlink != 0 {
		symLen := int(head.SymlinkLen)
		symBuf, err := readBytes(r, padded(symLen), "inode.decode.symlink")
		if err != nil {
			return nil, err
		}
		n.Symlink = string(symBuf[:symLen])
	}

	if head.Flags&FlagXattr != 0 {
		xattrs, err := decodeXattrs(r)
		if err != nil {
			return nil, err
		}
		n.Xattrs = xattrs
	}

	if head.ChunkCount > 0 {
		n.Chunks = make([]ChunkRecord, head.ChunkCount)
		for i := range n.Chunks {
			c, err := DecodeChunk(r)
			if err != nil {
				return nil, err
			}
			n.Chunks[i] = *c
		}
	}

	return n, nil
}

// encodeXattrs writes the xattr tail: pair-count header, then a packed
// sequence of (name-length, name, value-length, value), padded overall.
func encodeXattrs(w io.Writer, xattrs map[string][]byte) (int, error) {
	var buf countingBuffer
	if err := writeUint32(&buf, uint32(len(xattrs))); err != nil {
		return 0, err
	}
	for name, value := range xattrs {
		if err := writeUint16(&buf, uint16(len(name))); err != nil {
			return 0, err
		}
		if _, err := buf.Write([]byte(name)); err != nil {
			return 0, err
		}
		if err := writeUint32(&buf, uint32(len(value))); err != nil {
			return 0, err
		}
		if _, err := buf.Write(value); err != nil {
			return 0, err
		}
	}
	pad := padded(buf.n) - buf.n
	if err := writePadding(&buf, pad); err != nil {
		return 0, err
	}
	if _, err := w.Write(buf.bytes()); err != nil {
		return 0, err
	}
	return buf.n, nil
}

func decodeXattrs(r io.Reader) (map[string][]byte, error) {
	count, err := readUint32(r, "inode.decode.xattr")
	if err != nil {
		return nil, err
	}
	consumed := 4
	xattrs := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := readUint16(r, "inode.decode.xattr")
		if err != nil {
			return nil, err
		}
		consumed += 2
		nameBuf, err := readBytes(r, int(nameLen), "inode.decode.xattr")
		if err != nil {
			return nil, err
		}
		consumed += int(nameLen)
		valueLen, err := readUint32(r, "inode.decode.xattr")
		if err != nil {
			return nil, err
		}
		consumed += 4
		valueBuf, err := readBytes(r, int(valueLen), "inode.decode.xattr")
		if err != nil {
			return nil, err
		}
		consumed += int(valueLen)
		xattrs[string(nameBuf)] = valueBuf
	}
	pad := padded(consumed) - consumed
	if err := skipPadding(r, pad); err != nil {
		return nil, err
	}
	return xattrs, nil
}

// countingBuffer is a tiny io.Writer that tracks bytes written, used so
// encodeXattrs can pad the whole tail by its exact serialized length
// without a separate bytes.Buffer import at every call site.
type countingBuffer struct {
	buf []byte
	n   int
}

func (c *countingBuffer) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	c.n += len(p)
	return len(p), nil
}

func (c *countingBuffer) bytes() []byte { return c.buf }

type inodeErr string

func (e inodeErr) Error() string { return string(e) }

const (
	errNameTooLong    = inodeErr("inode name exceeds MaxNameLen")
	errSymlinkTooLong = inodeErr("symlink target exceeds MaxSymlinkLen")
)
