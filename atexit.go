package crofs

import (
	"sync"
	"sync/atomic"
)

// atExit tracks resource-release callbacks registered by mount components
// (mapping unmap, backend connection pool shutdown, upgrade-socket unlink)
// so that Stopped-state cleanup runs every one of them even if an earlier
// one fails.
var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit queues fn to run when RunAtExit is called, in registration
// order. Typical callers: the direct-map mounter releasing its mmap, a
// backend releasing connection pools, the daemon unlinking an
// upgrade-socket it owns.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs all registered cleanup callbacks in registration order,
// continuing past a failing one, and returns the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	var firstErr error
	for _, fn := range atExit.fns {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
