// Package stats holds the per-mount I/O counters exposed at GET /metrics: a
// small set of atomically-updated totals, not a full metrics framework.
package stats

import (
	"sync/atomic"
	"time"
)

// Counters is the set of atomic totals one mount accumulates over its
// lifetime. The zero value is ready to use; a nil *Counters is also safe to
// call Add/Snapshot on and is a no-op, so callers that don't care about
// stats can leave the field unset.
type Counters struct {
	reads        uint64
	readBytes    uint64
	backendHits  uint64
	backendMiss  uint64
	readNanos    uint64
	integrityErr uint64
}

// Snapshot is a point-in-time copy of Counters' values, safe to marshal.
type Snapshot struct {
	Reads            uint64        `json:"reads"`
	ReadBytes        uint64        `json:"read_bytes"`
	BackendHits      uint64        `json:"backend_hits"`
	BackendMisses    uint64        `json:"backend_misses"`
	IntegrityErrors  uint64        `json:"integrity_errors"`
	MeanReadLatency  time.Duration `json:"mean_read_latency_ns"`
	TotalReadLatency time.Duration `json:"total_read_latency_ns"`
}

// AddRead records one completed FUSE read of n bytes taking d, classified as
// either a backend fetch (cache miss) or one served already-cached.
func (c *Counters) AddRead(n uint64, d time.Duration, backendHit bool) {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.reads, 1)
	atomic.AddUint64(&c.readBytes, n)
	atomic.AddUint64(&c.readNanos, uint64(d.Nanoseconds()))
	if backendHit {
		atomic.AddUint64(&c.backendHits, 1)
	} else {
		atomic.AddUint64(&c.backendMiss, 1)
	}
}

// AddIntegrityError records one digest-mismatch or decompress failure.
func (c *Counters) AddIntegrityError() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.integrityErr, 1)
}

// Snapshot reads a consistent-enough point-in-time copy of all counters.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	reads := atomic.LoadUint64(&c.reads)
	nanos := atomic.LoadUint64(&c.readNanos)
	s := Snapshot{
		Reads:            reads,
		ReadBytes:        atomic.LoadUint64(&c.readBytes),
		BackendHits:      atomic.LoadUint64(&c.backendHits),
		BackendMisses:    atomic.LoadUint64(&c.backendMiss),
		IntegrityErrors:  atomic.LoadUint64(&c.integrityErr),
		TotalReadLatency: time.Duration(nanos),
	}
	if reads > 0 {
		s.MeanReadLatency = time.Duration(nanos / reads)
	}
	return s
}
