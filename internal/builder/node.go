// Package builder turns a source directory (optionally layered over a
// parent bootstrap) into a bootstrap file plus a blob file, the Go
// counterpart of image_builder/src/node.rs's two-pass Node walk: pass 1
// enumerates the tree, pass 2 chunks, hashes, dedups and compresses file
// content while streaming it to the blob.
package builder

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/metadata"
)

// whiteoutPrefix and opaqueMarker are the OCI/overlayfs conventions a
// layered build recognizes in a child directory.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// node is one file, directory or symlink being assembled into the tree.
// Inode numbers are assigned breadth-first once the whole tree shape (source
// entries merged with any inherited parent entries) is known: parents before
// children, siblings contiguous, sorted by name.
type node struct {
	name       string
	sourcePath string // absolute source path; empty for nodes inherited unchanged from a parent layer
	ino        uint64
	parentIno  uint64

	mode  uint32
	uid   uint32
	gid   uint32
	rdev  uint32
	nlink uint32

	size    uint64
	symlink string
	xattrs  map[string][]byte

	children []*node // sorted by name
	chunks   []layout.ChunkRecord
	digest   layout.Digest

	// inherited marks a node copied verbatim from the parent tree (no
	// source-side override), so pass 2 must not re-chunk it: its chunks
	// already reference a blob, just at a remapped blob index.
	inherited bool
}

func (n *node) isDir() bool     { return n.mode&syscall.S_IFMT == syscall.S_IFDIR }
func (n *node) isSymlink() bool { return n.mode&syscall.S_IFMT == syscall.S_IFLNK }
func (n *node) isRegular() bool { return n.mode&syscall.S_IFMT == syscall.S_IFREG }

// sourceEntry is one raw directory entry read off disk during enumeration,
// before whiteout rules are applied.
type sourceEntry struct {
	name string
	path string
	fi   os.FileInfo
}

// enumerate builds the merged node tree rooted at srcDir, folding it over
// parent (nil if this is a from-scratch build). It assigns no inode numbers;
// assignBFS does that once the whole shape is final.
func enumerate(srcDir string, parent metadata.Tree) (*node, error) {
	root := &node{name: "", mode: syscall.S_IFDIR | 0o755}
	if err := enumerateDir(root, srcDir, parent, parentRootIno(parent)); err != nil {
		return nil, err
	}
	return root, nil
}

func parentRootIno(parent metadata.Tree) uint64 {
	if parent == nil {
		return 0
	}
	return layout.RootIno
}

// enumerateDir fills dst's children by merging srcDir's real entries with
// parentIno's children in the parent tree (if any), applying whiteout rules.
func enumerateDir(dst *node, srcDir string, parent metadata.Tree, parentIno uint64) error {
	entries, whiteouts, opaque, err := readSourceDir(srcDir)
	if err != nil {
		return err
	}

	parentChildren := map[string]metadata.DirEntry{}
	if parent != nil && !opaque {
		err := parent.ReadDir(parentIno, 0, func(e metadata.DirEntry) bool {
			if _, deleted := whiteouts[e.Name]; !deleted {
				parentChildren[e.Name] = e
			}
			return true
		})
		if err != nil {
			return err
		}
	}

	fi, err := os.Lstat(srcDir)
	if err != nil {
		return err
	}
	fillAttrs(dst, fi)

	overridden := make(map[string]bool, len(entries))
	for _, e := range entries {
		overridden[e.name] = true
		child, err := buildNode(e)
		if err != nil {
			return err
		}
		if child.isDir() {
			childParentIno := uint64(0)
			if pe, ok := parentChildren[e.name]; ok {
				childParentIno = pe.Ino
			}
			if err := enumerateDir(child, e.path, parent, childParentIno); err != nil {
				return err
			}
		}
		dst.children = append(dst.children, child)
	}

	// Entries present only in the parent layer (not overridden, not
	// whited-out, directory not marked opaque) are inherited unchanged.
	for name, pe := range parentChildren {
		if overridden[name] {
			continue
		}
		child, err := inheritNode(parent, pe)
		if err != nil {
			return err
		}
		dst.children = append(dst.children, child)
	}

	sort.Slice(dst.children, func(i, j int) bool { return dst.children[i].name < dst.children[j].name })
	return nil
}

// readSourceDir splits a directory's real entries into ordinary entries,
// the set of names a `.wh.<name>` marker deletes from the parent layer, and
// whether `.wh..wh..opq` is present (parent children all masked).
func readSourceDir(dir string) (entries []sourceEntry, whiteouts map[string]struct{}, opaque bool, _ error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	whiteouts = map[string]struct{}{}
	for _, de := range des {
		name := de.Name()
		if name == opaqueMarker {
			opaque = true
			continue
		}
		if strings.HasPrefix(name, whiteoutPrefix) {
			whiteouts[strings.TrimPrefix(name, whiteoutPrefix)] = struct{}{}
			continue
		}
		fi, err := de.Info()
		if err != nil {
			return nil, nil, false, err
		}
		entries = append(entries, sourceEntry{name: name, path: filepath.Join(dir, name), fi: fi})
	}
	return entries, whiteouts, opaque, nil
}

func fillAttrs(n *node, fi os.FileInfo) {
	st := fi.Sys().(*syscall.Stat_t)
	n.mode = st.Mode
	n.uid = st.Uid
	n.gid = st.Gid
	n.rdev = uint32(st.Rdev)
	n.nlink = uint32(st.Nlink)
	n.size = uint64(st.Size)
}

// buildNode constructs one non-inherited node from a freshly read source
// entry, loading its xattrs; regular-file chunking happens in pass 2.
func buildNode(e sourceEntry) (*node, error) {
	n := &node{name: e.name, sourcePath: e.path}
	fillAttrs(n, e.fi)

	if n.isSymlink() {
		target, err := os.Readlink(e.path)
		if err != nil {
			return nil, err
		}
		n.symlink = target
	}

	xattrs, err := readXattrs(e.path)
	if err != nil {
		return nil, err
	}
	n.xattrs = xattrs

	return n, nil
}

// inheritNode copies a subtree from the parent tree verbatim, recursing into
// directories; file chunk lists keep the parent's BlobIndex values, shifted
// to the merged blob table's numbering by remapInheritedBlobs once the whole
// tree is built.
func inheritNode(parent metadata.Tree, pe metadata.DirEntry) (*node, error) {
	head, err := parent.GetAttr(pe.Ino)
	if err != nil {
		return nil, err
	}
	n := &node{
		name:      pe.Name,
		inherited: true,
		mode:      head.Mode,
		uid:       head.UID,
		gid:       head.GID,
		rdev:      head.Rdev,
		nlink:     head.Nlink,
		size:      head.Size,
		digest:    head.Digest,
	}

	if head.IsSymlink() {
		target, err := parent.ReadLink(pe.Ino)
		if err != nil {
			return nil, err
		}
		n.symlink = target
	}
	names, err := parent.ListXattr(pe.Ino)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		n.xattrs = make(map[string][]byte, len(names))
		for _, name := range names {
			v, err := parent.GetXattr(pe.Ino, name)
			if err != nil {
				return nil, err
			}
			n.xattrs[name] = v
		}
	}

	if head.IsRegular() {
		chunks, err := parent.Chunks(pe.Ino)
		if err != nil {
			return nil, err
		}
		n.chunks = append([]layout.ChunkRecord(nil), chunks...)
	}

	if head.IsDir() {
		err := parent.ReadDir(pe.Ino, 0, func(child metadata.DirEntry) bool {
			cn, cerr := inheritNode(parent, child)
			if cerr != nil {
				err = cerr
				return false
			}
			n.children = append(n.children, cn)
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	return n, nil
}

// readXattrs lists and reads every xattr set on path via the l-variant
// syscalls (never following a symlink), grounded on node.rs's
// build_inode_xattr, which does the same llistxattr/lgetxattr dance.
func readXattrs(path string) (map[string][]byte, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.ENODATA {
			return nil, nil
		}
		return nil, err
	}
	if sz <= 0 {
		return nil, nil
	}
	nameBuf := make([]byte, sz)
	n, err := unix.Llistxattr(path, nameBuf)
	if err != nil {
		return nil, err
	}
	names := splitNUL(nameBuf[:n])

	xattrs := make(map[string][]byte, len(names))
	for _, name := range names {
		vsz, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			continue
		}
		if vsz == 0 {
			xattrs[name] = []byte{}
			continue
		}
		val := make([]byte, vsz)
		n, err := unix.Lgetxattr(path, name, val)
		if err != nil {
			continue
		}
		xattrs[name] = val[:n]
	}
	return xattrs, nil
}

func splitNUL(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// remapInheritedBlobs shifts every inherited regular file's chunk BlobIndex
// by offset, so references that were parent-local (blob 0 is the parent's
// own newest layer, blob 1 its parent, and so on) land on the right entry in
// the merged blob table, where the new build's own blob always takes index 0
// and the inherited parent blobs are appended after it.
func remapInheritedBlobs(n *node, offset uint32) {
	if n.inherited && n.isRegular() {
		for i := range n.chunks {
			n.chunks[i].BlobIndex += offset
		}
		return
	}
	for _, c := range n.children {
		remapInheritedBlobs(c, offset)
	}
}

// assignBFS numbers every node breadth-first starting at layout.RootIno,
// parents before children.
func assignBFS(root *node) []*node {
	root.ino = layout.RootIno
	root.parentIno = layout.RootIno
	order := []*node{root}
	queue := []*node{root}
	next := layout.RootIno + 1
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range cur.children {
			c.ino = next
			c.parentIno = cur.ino
			next++
			order = append(order, c)
			if c.isDir() {
				queue = append(queue, c)
			}
		}
	}
	return order
}
