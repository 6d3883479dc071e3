// Package cache implements the local chunk cache: a persistent per-blob
// presence bitmap shared across daemons via mmap, and the fetch path that
// turns a bio into bytes — backend read, digest verification, decompression,
// and scatter into caller buffers.
package cache

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/crofs/crofs/internal/crofserr"
)

// PresenceMap is the `<blob_path>.chunk_map` file: one bit per chunk,
// mmap'd shared so multiple daemons serving the same blob converge on the
// same view of what has been fetched.
type PresenceMap struct {
	path   string
	data   []byte
	nbits  int
	nbytes int
}

// OpenPresenceMap opens (creating if absent) the presence bitmap for a blob
// with chunkCount chunks. Any existing file whose size does not match the
// expected length is reset to all-zero, because partial or stale content
// cannot be distinguished from corruption.
func OpenPresenceMap(path string, chunkCount int) (*PresenceMap, error) {
	nbytes := (chunkCount + 7) / 8
	if nbytes == 0 {
		nbytes = 1
	}
	// Round the mapping up to a 4-byte multiple so every byte has a
	// fully in-bounds aligned uint32 word to CAS through.
	mapped := ((nbytes + 3) / 4) * 4

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, crofserr.New(crofserr.MalformedMetadata, "presence.open", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, crofserr.New(crofserr.MalformedMetadata, "presence.stat", path, err)
	}
	if fi.Size() != int64(mapped) {
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
		if err := f.Truncate(int64(mapped)); err != nil {
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, crofserr.New(crofserr.MalformedMetadata, "presence.mmap", path, err)
	}

	return &PresenceMap{path: path, data: data, nbits: chunkCount, nbytes: nbytes}, nil
}

// word32 returns a pointer to the 4-byte-aligned uint32 word containing
// byte i, plus i's offset within that word.
func (m *PresenceMap) word32(i int) (*uint32, int) {
	base := i &^ 3
	return (*uint32)(unsafe.Pointer(&m.data[base])), i - base
}

// HasReady reports whether chunk idx's bit is set, via an atomic word load
// so a concurrent SetReady from another process sharing the mapping is
// observed safely.
func (m *PresenceMap) HasReady(idx int) bool {
	byteIdx := idx / 8
	mask := byte(1) << uint(7-(idx%8))
	word, off := m.word32(byteIdx)
	v := atomic.LoadUint32(word)
	b := byte(v >> (uint(off) * 8))
	return b&mask != 0
}

// SetReady sets chunk idx's bit, retrying a compare-and-swap on the
// containing aligned word until the bit is observed set — either by this
// call or a racing one — satisfying the idempotence and "exactly once to
// 1" requirement even across processes sharing the mapping.
func (m *PresenceMap) SetReady(idx int) {
	byteIdx := idx / 8
	bitMask := byte(1) << uint(7-(idx%8))
	word, off := m.word32(byteIdx)
	shift := uint(off) * 8
	wordMask := uint32(bitMask) << shift

	for {
		cur := atomic.LoadUint32(word)
		if cur&wordMask != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(word, cur, cur|wordMask) {
			return
		}
	}
}

// Close unmaps the bitmap.
func (m *PresenceMap) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *PresenceMap) String() string {
	return fmt.Sprintf("PresenceMap{%s, %d bits}", m.path, m.nbits)
}
