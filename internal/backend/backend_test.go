package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crofs/crofs/internal/crofserr"
)

func TestLocalFSReadWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob1"), []byte("hello world"), 0o644))

	lf := NewLocalFS(dir)
	defer lf.Close()

	buf := make([]byte, 5)
	n, err := lf.Read(context.Background(), "blob1", buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestLocalFSReadMissingBlobIsPermanent(t *testing.T) {
	dir := t.TempDir()
	lf := NewLocalFS(dir)
	defer lf.Close()

	_, err := lf.Read(context.Background(), "nosuch", make([]byte, 4), 0)
	require.Error(t, err)
	var cerr *crofserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, crofserr.BackendError, cerr.Kind)
	require.Equal(t, crofserr.Permanent, cerr.Transience)
}

func TestLocalFSReadv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob1"), []byte("abcdefgh"), 0o644))

	lf := NewLocalFS(dir)
	defer lf.Close()

	bufs := [][]byte{make([]byte, 3), make([]byte, 3)}
	n, err := lf.Readv(context.Background(), "blob1", bufs, 2)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "cde", string(bufs[0]))
	require.Equal(t, "fgh", string(bufs[1]))
}

func TestRegistryReadRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("cdef"))
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, srv.Client())
	defer reg.Close()

	buf := make([]byte, 4)
	n, err := reg.Read(context.Background(), "blob1", buf, 2)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "cdef", string(buf))
}

func TestRegistryReadNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, srv.Client())
	defer reg.Close()

	_, err := reg.Read(context.Background(), "missing", make([]byte, 4), 0)
	require.Error(t, err)
	var cerr *crofserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, crofserr.Permanent, cerr.Transience)
}

func TestRegistryReadServiceUnavailableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, srv.Client())
	defer reg.Close()

	_, err := reg.Read(context.Background(), "blob1", make([]byte, 4), 0)
	require.Error(t, err)
	var cerr *crofserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, crofserr.Transient, cerr.Transience)
}

func TestRegistryWriteUnsupported(t *testing.T) {
	reg := NewRegistry("http://example.invalid", nil)
	defer reg.Close()

	err := reg.Write(context.Background(), "blob1", []byte("x"), 0)
	require.Error(t, err)
}
