package consumer

import (
	"sync"
	"time"
)

// pendingLatch counts deliveries in flight (spec §5 "pending-delivery
// latch"). Handle increments it for every accepted reference; ProceedDeliver
// and each streamer chunk decrement it on completion. Stop() waits on it to
// reach zero with a bounded timeout so it can report, accurately, that no
// send remains in flight.
type pendingLatch struct {
	mu      sync.Mutex
	count   int
	zeroed  chan struct{}
}

func newPendingLatch() *pendingLatch {
	l := &pendingLatch{zeroed: make(chan struct{})}
	close(l.zeroed) // starts at zero
	return l
}

func (l *pendingLatch) inc() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.zeroed = make(chan struct{})
	}
	l.count++
}

func (l *pendingLatch) dec() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 {
		close(l.zeroed)
	}
}

// waitZero blocks until the latch reaches zero or timeout elapses. Returns
// true if it drained before the deadline.
func (l *pendingLatch) waitZero(timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.zeroed
	l.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
