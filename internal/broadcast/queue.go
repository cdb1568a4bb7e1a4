package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once a closed queue has been drained
var ErrQueueClosed = errors.New("queue closed")

// Queue is a fixed-capacity FIFO. When full, Push drops the oldest element
// so the newest is always kept. Push never blocks. All methods are safe for
// concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	count   int
	closed  bool
	dropped uint64

	// ready holds a token while the queue is non-empty
	ready chan struct{}
}

// NewQueue creates a queue with the given capacity (at least 1)
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends an item, overwriting the oldest if full. It reports whether
// an item was dropped. Pushing onto a closed queue is a no-op.
func (q *Queue[T]) Push(item T) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	idx := (q.head + q.count) % len(q.buf)
	q.buf[idx] = item
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		dropped = true
	} else {
		q.count++
	}
	q.mu.Unlock()

	q.signal()
	return dropped
}

// TryPop removes the oldest item without waiting
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	if q.count > 0 {
		q.signal()
	}
	return item, true
}

// Pop waits for an item, the queue closing, or ctx ending
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		if q.Closed() {
			return zero, ErrQueueClosed
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Ready is signalled whenever items may be available or the queue closed
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close discards queued items and wakes any waiter
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var zero T
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.count = 0
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the maximum depth
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Dropped returns how many items were discarded on overflow
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
