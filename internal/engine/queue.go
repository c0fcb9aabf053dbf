package engine

import (
	"sync"

	"github.com/trustgraph/trustops/internal/op"
)

// applyQueue is the FIFO feed of operations awaiting the apply handler.
//
// It is unbounded so a burst from the upstream feed never blocks the
// producer. Producers may enqueue from any goroutine; only Run dequeues.
// signal has a buffer of one and coalesces wake-ups, and is closed on
// Close so a waiting Run loop wakes up and drains what is left.
type applyQueue struct {
	mu     sync.Mutex
	ops    []*op.Operation
	closed bool
	signal chan struct{}
}

func newApplyQueue() *applyQueue {
	return &applyQueue{
		ops:    make([]*op.Operation, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends o. It returns false once the queue is closed.
func (q *applyQueue) Enqueue(o *op.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ops = append(q.ops, o)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front operation without blocking.
func (q *applyQueue) TryDequeue() (*op.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}
	o := q.ops[0]
	// Release the slot so the backing array does not pin the operation.
	q.ops[0] = nil
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}
	return o, true
}

// Wait returns a channel that fires when operations may be available, or
// is closed when the queue is closed.
func (q *applyQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued operations.
func (q *applyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Closed reports whether Close has been called.
func (q *applyQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting operations. Queued ones can still be dequeued.
func (q *applyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
