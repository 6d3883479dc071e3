package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/crofs/crofs/internal/crofserr"
)

// LocalFS is the one fully-functional Backend implementation: each blob id
// is a filename within a directory, opened on first use and kept in an
// fd cache, the same shape as rafs/src/storage/backend/localfs's
// directory-of-blobs layout.
type LocalFS struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewLocalFS returns a Backend serving blobs out of dir.
func NewLocalFS(dir string) *LocalFS {
	return &LocalFS{dir: dir, files: make(map[string]*os.File)}
}

func (l *LocalFS) open(blobID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[blobID]; ok {
		return f, nil
	}
	f, err := os.Open(filepath.Join(l.dir, blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, crofserr.NewBackend(crofserr.Permanent, "localfs.open", blobID, err)
		}
		return nil, crofserr.NewBackend(crofserr.Transient, "localfs.open", blobID, err)
	}
	l.files[blobID] = f
	return f, nil
}

func (l *LocalFS) Read(ctx context.Context, blobID string, buf []byte, offset int64) (int, error) {
	f, err := l.open(blobID)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		if os.IsTimeout(err) {
			return n, crofserr.NewBackend(crofserr.Transient, "localfs.read", blobID, err)
		}
		return n, crofserr.NewBackend(crofserr.Permanent, "localfs.read", blobID, err)
	}
	return n, nil
}

func (l *LocalFS) Readv(ctx context.Context, blobID string, bufs [][]byte, offset int64) (int, error) {
	return readvFallback(ctx, l, blobID, bufs, offset)
}

func (l *LocalFS) Write(ctx context.Context, blobID string, buf []byte, offset int64) error {
	l.mu.Lock()
	f, ok := l.files[blobID]
	l.mu.Unlock()
	if !ok {
		wf, err := os.OpenFile(filepath.Join(l.dir, blobID), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return crofserr.NewBackend(crofserr.Permanent, "localfs.write", blobID, err)
		}
		l.mu.Lock()
		l.files[blobID] = wf
		l.mu.Unlock()
		f = wf
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return crofserr.NewBackend(crofserr.Transient, "localfs.write", blobID, err)
	}
	return nil
}

func (l *LocalFS) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}
