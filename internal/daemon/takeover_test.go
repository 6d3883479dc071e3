package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTakeoverFDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "takeover.sock")

	payloadPath := filepath.Join(dir, "payload")
	if err := os.WriteFile(payloadPath, []byte("fuse session fd stand-in"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(payloadPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want := Opaque{ID: "daemon-a", Version: 7, OptionBits: 0x3, WorkerCount: 4}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeFD(sockPath, int(f.Fd()), want)
	}()

	// Give the listener a moment to bind before dialing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("takeover socket never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	gotFD, gotOpaque, err := DialAndReceiveFD(sockPath)
	if err != nil {
		t.Fatalf("DialAndReceiveFD: %v", err)
	}
	received := os.NewFile(uintptr(gotFD), "received")
	defer received.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("ServeFD: %v", err)
	}

	if gotOpaque != want {
		t.Fatalf("opaque = %+v, want %+v", gotOpaque, want)
	}

	got := make([]byte, 64)
	n, err := received.Read(got)
	if err != nil {
		t.Fatalf("read received fd: %v", err)
	}
	if string(got[:n]) != "fuse session fd stand-in" {
		t.Fatalf("received fd content = %q", got[:n])
	}
}
