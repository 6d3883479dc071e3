// Package backend defines the uniform read/write contract over blob byte
// ranges, plus the one fully-functional implementation (localfs) and a
// minimal registry-over-HTTP-range-requests stub, exercising the same
// contract nydus names Backend variants for in
// rafs/src/storage/backend/{localfs,registry,oss}.rs.
package backend

import (
	"context"
)

// Backend is the contract a storage backend exposes: read/readv against an
// opaque blob id, write for the builder's upload path, and close to
// release pooled connections.
type Backend interface {
	// Read fills buf starting at offset within blob blobID and returns the
	// number of bytes read.
	Read(ctx context.Context, blobID string, buf []byte, offset int64) (int, error)

	// Readv scatters bytes starting at offset across bufs, in order,
	// without an intermediate copy when the backend can avoid one.
	Readv(ctx context.Context, blobID string, bufs [][]byte, offset int64) (int, error)

	// Write appends buf at offset within blobID. Builder-upload use only;
	// never called at runtime by a mounted filesystem.
	Write(ctx context.Context, blobID string, buf []byte, offset int64) error

	// Close releases connection pools and any other held resources.
	Close() error
}

// readvFallback implements Readv in terms of sequential Read calls for
// backends with no native scatter support, mirroring how a plain
// io.ReaderAt-backed backend would satisfy readv in the original.
func readvFallback(ctx context.Context, b Backend, blobID string, bufs [][]byte, offset int64) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := b.Read(ctx, blobID, buf, offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
