package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/crofs/crofs/internal/backend"
	"github.com/crofs/crofs/internal/cache"
	"github.com/crofs/crofs/internal/layout"
	"github.com/crofs/crofs/internal/metadata"
	"github.com/crofs/crofs/internal/stats"
)

const help = `crofsd mount [-flags] <bootstrap> <mountpoint>

Mount a crofs bootstrap at mountpoint, fetching chunk data lazily from the
configured backend.
`

// Config is the mount-time JSON configuration, decoded the way
// pb.ReadMetaFile decodes package metadata in distri, but for crofs's own
// surface: compression/digest tags are implicit in the bootstrap itself, so
// Config only carries the knobs that are runtime choices rather than
// on-disk facts.
type Config struct {
	Mode           string `json:"mode"`            // "cached" or "direct"
	DigestValidate bool   `json:"digest_validate"` // optional validation pass, see metadata.Cached
	BlobDir        string `json:"blob_dir"`        // directory backend.LocalFS serves blobs from
	ThreadsCnt     int    `json:"threads_cnt"`     // FUSE worker pool size; Build and MountFS do not read it

	// Stats, if set, receives this mount's chunk-fetch counters; left nil
	// when a caller (e.g. the CLI mount verb) has no metrics endpoint to
	// serve them from.
	Stats *stats.Counters `json:"-"`
}

func defaultConfig() Config {
	return Config{Mode: "cached", ThreadsCnt: 4}
}

// Mount parses CLI flags, opens the bootstrap with the configured metadata
// strategy, opens one chunk cache per blob table entry, and mounts the
// FUSE file system, mirroring distri's own fuse-mounting CLI shape
// (flag.NewFlagSet, fset.Usage, returning a join closure). It is a
// thin CLI wrapper around MountFS, which the daemon's control plane calls
// directly.
func Mount(ctx context.Context, args []string) (join func(context.Context) error, _ error) {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		configPath = fset.String("config", "", "path to a JSON Config file")
		mode       = fset.String("mode", "", "override config mode: cached or direct")
		blobDir    = fset.String("blob-dir", "", "override config blob_dir")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return nil, xerrors.Errorf("syntax: mount <bootstrap> <mountpoint>")
	}
	bootstrapPath, mountpoint := fset.Arg(0), fset.Arg(1)

	cfg := defaultConfig()
	if *configPath != "" {
		b, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, xerrors.Errorf("parsing %s: %w", *configPath, err)
		}
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *blobDir != "" {
		cfg.BlobDir = *blobDir
	}

	join, _, err := MountFS(ctx, bootstrapPath, mountpoint, cfg)
	return join, err
}

// MountFS builds an FS over bootstrapPath per cfg and mounts it at
// mountpoint, returning a join closure that blocks until the session ends
// and an unmount closure that tears the session down explicitly. Both the
// CLI mount verb and the daemon's mount control-plane request call through
// this one path, so a control-plane mount and a cold CLI mount behave
// identically up to the point a session exists.
func MountFS(ctx context.Context, bootstrapPath, mountpoint string, cfg Config) (join func(context.Context) error, unmount func() error, err error) {
	fsys, err := Build(bootstrapPath, cfg)
	if err != nil {
		return nil, nil, err
	}

	server := fuseutil.NewFileSystemServer(fsys)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "crofs",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("fuse.Mount: %w", err)
	}

	join = func(ctx context.Context) error {
		return mfs.Join(ctx)
	}
	unmount = func() error {
		fsys.Kill()
		return fuse.Unmount(mountpoint)
	}
	return join, unmount, nil
}

// Build assembles an FS over a bootstrap file according to cfg: opens the
// metadata tree with the requested strategy, then one chunk cache per blob
// table entry served by a localfs backend rooted at cfg.BlobDir.
func Build(bootstrapPath string, cfg Config) (*FS, error) {
	f, err := os.Open(bootstrapPath)
	if err != nil {
		return nil, err
	}

	var tree metadata.Tree
	switch cfg.Mode {
	case "direct":
		tree, err = metadata.OpenDirect(f)
		if err != nil {
			f.Close()
			return nil, err
		}
	case "cached", "":
		defer f.Close()
		var sb layout.Superblock
		sbBuf := make([]byte, layout.SuperblockSize)
		if _, err := f.ReadAt(sbBuf, 0); err != nil {
			return nil, err
		}
		if err := sb.UnmarshalBinary(sbBuf); err != nil {
			return nil, err
		}
		if _, err := f.Seek(int64(sb.InodeRecordsOffset), 0); err != nil {
			return nil, err
		}
		blobTableBuf := make([]byte, sb.BlobTableSize)
		if _, err := f.ReadAt(blobTableBuf, int64(sb.BlobTableOffset)); err != nil {
			return nil, err
		}
		blobs, err := layout.DecodeBlobTable(bytes.NewReader(blobTableBuf))
		if err != nil {
			return nil, err
		}
		tree, err = metadata.LoadCached(f, &sb, blobs, cfg.DigestValidate)
		if err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.Errorf("unknown mode %q", cfg.Mode)
	}

	be := backend.NewLocalFS(cfg.BlobDir)
	blobTable := tree.BlobTable()
	caches := make([]*cache.Cache, len(blobTable))
	for i, b := range blobTable {
		blobPath := filepath.Join(cfg.BlobDir, b.ID)
		c, err := cache.Open(be, blobPath, b.ID, int(b.ChunkCount))
		if err != nil {
			return nil, err
		}
		c.Stats = cfg.Stats
		caches[i] = c

		if b.ReadaheadSize > 0 {
			if bf, err := os.Open(blobPath); err == nil {
				cache.Readahead(int(bf.Fd()), int64(b.ReadaheadOffset), int64(b.ReadaheadSize))
				bf.Close()
			}
		}
	}

	return New(tree, caches), nil
}
