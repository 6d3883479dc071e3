package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crofs/crofs/internal/daemon"
	"github.com/crofs/crofs/internal/stats"
)

func newRunningDaemon(t *testing.T) (*daemon.Daemon, context.CancelFunc) {
	t.Helper()
	d := daemon.New("test-id", "v1")
	d.MountFn = func(ctx context.Context, req daemon.MountRequest) (func(context.Context) error, func() error, error) {
		return func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, cancel
}

func TestGetDaemon(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	mux := NewMux(d, &stats.Counters{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/daemon", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got daemonInfo
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "test-id" || got.State != "init" {
		t.Fatalf("got %+v", got)
	}
}

func TestPutMountDrivesRunning(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	mux := NewMux(d, &stats.Counters{}, nil)
	body := `{"source":"/src","mountpoint":"/mnt"}`
	req := httptest.NewRequest(http.MethodPut, "/mount", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if d.State() != daemon.Running {
		t.Fatalf("state = %v, want Running", d.State())
	}
}

func TestPutMountConflictMapsTo400(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	mux := NewMux(d, &stats.Counters{}, nil)

	first := httptest.NewRequest(http.MethodPut, "/mount", strings.NewReader(`{}`))
	mux.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPut, "/mount", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, second)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for InvalidState", rec.Code)
	}
}

func TestGetMetrics(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	counters := &stats.Counters{}
	counters.AddRead(10, time.Millisecond, true)

	mux := NewMux(d, counters, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap stats.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Reads != 1 || snap.ReadBytes != 10 {
		t.Fatalf("got %+v", snap)
	}
}

func TestPutExitDrivesInterrupted(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	mux := NewMux(d, &stats.Counters{}, nil)
	mount := httptest.NewRequest(http.MethodPut, "/mount", strings.NewReader(`{}`))
	mux.ServeHTTP(httptest.NewRecorder(), mount)

	exit := httptest.NewRequest(http.MethodPut, "/exit", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, exit)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.State() != daemon.Interrupted {
		t.Fatalf("state = %v, want Interrupted", d.State())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	d, cancel := newRunningDaemon(t)
	defer cancel()

	mux := NewMux(d, &stats.Counters{}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/daemon", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
