package stats

import (
	"testing"
	"time"
)

func TestCountersAccumulate(t *testing.T) {
	var c Counters
	c.AddRead(100, 10*time.Millisecond, true)
	c.AddRead(50, 30*time.Millisecond, false)
	c.AddIntegrityError()

	snap := c.Snapshot()
	if snap.Reads != 2 {
		t.Fatalf("reads = %d, want 2", snap.Reads)
	}
	if snap.ReadBytes != 150 {
		t.Fatalf("read bytes = %d, want 150", snap.ReadBytes)
	}
	if snap.BackendHits != 1 || snap.BackendMisses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", snap.BackendHits, snap.BackendMisses)
	}
	if snap.IntegrityErrors != 1 {
		t.Fatalf("integrity errors = %d, want 1", snap.IntegrityErrors)
	}
	if snap.MeanReadLatency != 20*time.Millisecond {
		t.Fatalf("mean latency = %v, want 20ms", snap.MeanReadLatency)
	}
}

func TestNilCountersAreNoop(t *testing.T) {
	var c *Counters
	c.AddRead(1, time.Second, true)
	c.AddIntegrityError()
	if snap := c.Snapshot(); snap.Reads != 0 {
		t.Fatalf("nil counters should yield empty snapshot, got %+v", snap)
	}
}
