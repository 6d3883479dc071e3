package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/crofs/crofs/internal/crofserr"
)

// Registry is the read-only Backend variant that fetches blob byte ranges
// from an OCI registry (or any HTTP server honoring Range requests), the
// counterpart to localfs for the "pull an image over the network" case
// the original covers with its oss/registry backends.
type Registry struct {
	client  *http.Client
	baseURL string // e.g. "https://registry.example.com/v2/name/blobs"
}

// NewRegistry returns a Backend that resolves blob ids to
// baseURL + "/" + blobID and issues byte-range GETs against it.
func NewRegistry(baseURL string, client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{client: client, baseURL: baseURL}
}

func (r *Registry) Read(ctx context.Context, blobID string, buf []byte, offset int64) (int, error) {
	url := r.baseURL + "/" + blobID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, crofserr.NewBackend(crofserr.Permanent, "registry.read", blobID, err)
	}
	last := offset + int64(len(buf)) - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, last))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, crofserr.NewBackend(crofserr.Transient, "registry.read", blobID, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusOK || code == http.StatusPartialContent:
	case code == http.StatusNotFound:
		return 0, crofserr.NewBackend(crofserr.Permanent, "registry.read", blobID, errNotFound)
	case code == http.StatusTooManyRequests || code >= 500:
		return 0, crofserr.NewBackend(crofserr.Transient, "registry.read", blobID, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return 0, crofserr.NewBackend(crofserr.Permanent, "registry.read", blobID, fmt.Errorf("status %d", resp.StatusCode))
	}

	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, crofserr.NewBackend(crofserr.Transient, "registry.read", blobID, err)
	}
	return n, nil
}

func (r *Registry) Readv(ctx context.Context, blobID string, bufs [][]byte, offset int64) (int, error) {
	return readvFallback(ctx, r, blobID, bufs, offset)
}

// Write is unsupported: pushing blobs to a registry is an upload-session
// protocol, not a single PUT of a byte range, and no image-push path in
// this repo calls it. Builder uploads, when wired, go through a
// dedicated push client rather than Backend.Write.
func (r *Registry) Write(ctx context.Context, blobID string, buf []byte, offset int64) error {
	return crofserr.NewBackend(crofserr.Permanent, "registry.write", blobID, errWriteUnsupported)
}

func (r *Registry) Close() error { return nil }

type registryErr string

func (e registryErr) Error() string { return string(e) }

const (
	errNotFound         = registryErr("blob not found")
	errWriteUnsupported = registryErr("registry backend does not support byte-range writes")
)
