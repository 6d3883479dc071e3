// Package metadata exposes the single capability set both inode-access
// strategies implement: lookup, getattr, readdir, readlink, xattr access
// and chunk retrieval for the BIO planner. It is the Go analogue of the
// nydus RafsSuperInodes trait, with two concrete variants (Cached, Direct)
// satisfying the same interface so that higher layers — and tests — are
// written once against Tree.
package metadata

import (
	"github.com/crofs/crofs/internal/layout"
)

// DirEntry is one entry yielded by ReadDir.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32
}

// Tree is the capability set exposed by both the cached and direct-map
// inode-access strategies.
type Tree interface {
	// Lookup finds name within directory parent, returning its inode
	// number or a crofserr NotFound.
	Lookup(parent uint64, name string) (uint64, error)

	// GetAttr returns the fixed inode head for ino.
	GetAttr(ino uint64) (*layout.InodeHead, error)

	// ReadDir enumerates the children of directory ino in sorted order
	// starting at offset, calling fn for each; ReadDir stops as soon as fn
	// returns false (buffer full, matching the kernel add-entry callback
	// convention) or the children are exhausted.
	ReadDir(ino uint64, offset int, fn func(DirEntry) bool) error

	// ReadLink returns the symlink target of ino.
	ReadLink(ino uint64) (string, error)

	// ListXattr returns the xattr names set on ino.
	ListXattr(ino uint64) ([]string, error)

	// GetXattr returns the value of the named xattr on ino.
	GetXattr(ino uint64, name string) ([]byte, error)

	// Chunks returns the chunk records of regular-file inode ino, in
	// file-offset order, for the BIO planner to walk.
	Chunks(ino uint64) ([]layout.ChunkRecord, error)

	// BlockSize returns the configured chunk window size from the
	// superblock.
	BlockSize() uint32

	// BlobTable returns the mount's blob descriptors.
	BlobTable() []layout.BlobDescriptor

	// Close releases any resources (e.g. the direct-map's mmap) the
	// strategy owns. Accessors must not be called after Close.
	Close() error
}

// Mode selects which inode-access strategy a mount uses.
type Mode int

const (
	ModeCached Mode = iota
	ModeDirect
)
