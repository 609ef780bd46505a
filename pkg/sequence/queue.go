package sequence

import (
	"context"
	"sync"
)

// Bounded is a FIFO queue with a fixed capacity that rejects new items when
// full. Consumers therefore only ever see items that were admitted while
// there was room, and a slow consumer never grows the queue.
type Bounded[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	dropped  uint64
	accepted uint64
	closed   bool
	notify   chan struct{}
	done     chan struct{}
}

func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// TryPush appends value unless the queue is full or closed. It reports
// whether value was admitted.
func (q *Bounded[T]) TryPush(value T) bool {
	q.mu.Lock()
	if q.closed || q.size == len(q.items) {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = value
	q.size++
	q.accepted++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the oldest item without blocking.
func (q *Bounded[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop blocks until an item is available, the queue is closed and drained, or
// ctx is done.
func (q *Bounded[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if value, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return value, true
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}
		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (q *Bounded[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	value := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return value, true
}

// Close wakes blocked consumers; queued items can still be popped.
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Bounded[T]) Cap() int {
	return len(q.items)
}

// Dropped counts items rejected because the queue was full or closed.
func (q *Bounded[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Accepted counts items admitted since creation.
func (q *Bounded[T]) Accepted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepted
}
