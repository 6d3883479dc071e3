package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/crofs/crofs/internal/crofserr"
)

func startRun(t *testing.T, d *Daemon) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func TestMountTransitionsToRunning(t *testing.T) {
	d := New("test", "v1")
	mounted := false
	d.MountFn = func(ctx context.Context, req MountRequest) (func(context.Context) error, func() error, error) {
		mounted = true
		return func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	cancel := startRun(t, d)
	defer cancel()

	ctx := context.Background()
	if err := d.Mount(ctx, MountRequest{Source: "/src", Mountpoint: "/mnt"}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !mounted {
		t.Fatal("MountFn not called")
	}
	if d.State() != Running {
		t.Fatalf("state = %v, want Running", d.State())
	}
}

func TestMountRejectedWhenNotInit(t *testing.T) {
	d := New("test", "v1")
	d.MountFn = func(ctx context.Context, req MountRequest) (func(context.Context) error, func() error, error) {
		return func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	cancel := startRun(t, d)
	defer cancel()

	ctx := context.Background()
	if err := d.Mount(ctx, MountRequest{}); err != nil {
		t.Fatalf("first Mount: %v", err)
	}
	err := d.Mount(ctx, MountRequest{})
	if err == nil {
		t.Fatal("second Mount from Running should be rejected")
	}
	kind, ok := crofserr.KindOf(err)
	if !ok || kind != crofserr.InvalidState {
		t.Fatalf("err kind = %v, ok=%v, want InvalidState", kind, ok)
	}
	if d.State() != Running {
		t.Fatalf("rejected transition changed state to %v", d.State())
	}
}

func TestTakeoverThenSuccessful(t *testing.T) {
	d := New("test", "v1")
	started := false
	d.StartWorkersFn = func(ctx context.Context, count int) error {
		started = true
		return nil
	}
	cancel := startRun(t, d)
	defer cancel()

	ctx := context.Background()
	if err := d.Takeover(ctx, "/tmp/super.sock", 42, Opaque{ID: "test", Version: 1}); err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if d.State() != Upgrading {
		t.Fatalf("state = %v, want Upgrading", d.State())
	}
	if d.Supervisor() != "/tmp/super.sock" {
		t.Fatalf("supervisor = %q", d.Supervisor())
	}

	if err := d.Successful(ctx); err != nil {
		t.Fatalf("Successful: %v", err)
	}
	if !started {
		t.Fatal("StartWorkersFn not called")
	}
	if d.State() != Running {
		t.Fatalf("state = %v, want Running", d.State())
	}
}

func TestExitThenStop(t *testing.T) {
	d := New("test", "v1")
	unmounted := false
	d.MountFn = func(ctx context.Context, req MountRequest) (func(context.Context) error, func() error, error) {
		return func(context.Context) error { return nil }, func() error { unmounted = true; return nil }, nil
	}
	cancel := startRun(t, d)
	defer cancel()

	ctx := context.Background()
	if err := d.Mount(ctx, MountRequest{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	select {
	case <-d.KillCh():
		t.Fatal("kill channel closed before Exit")
	default:
	}

	if err := d.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if d.State() != Interrupted {
		t.Fatalf("state = %v, want Interrupted", d.State())
	}
	select {
	case <-d.KillCh():
	default:
		t.Fatal("kill channel not closed after Exit")
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", d.State())
	}
	if !unmounted {
		t.Fatal("unmount not called on Stop")
	}

	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after reaching Stopped")
	}
}

func TestStopDirectlyFromRunning(t *testing.T) {
	d := New("test", "v1")
	d.MountFn = func(ctx context.Context, req MountRequest) (func(context.Context) error, func() error, error) {
		return func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	cancel := startRun(t, d)
	defer cancel()

	ctx := context.Background()
	if err := d.Mount(ctx, MountRequest{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", d.State())
	}
}

func TestStopRejectedFromInit(t *testing.T) {
	d := New("test", "v1")
	cancel := startRun(t, d)
	defer cancel()

	err := d.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop from Init should be rejected")
	}
	if d.State() != Init {
		t.Fatalf("state = %v, want Init", d.State())
	}
}
