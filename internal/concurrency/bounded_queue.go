// File: internal/concurrency/bounded_queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BoundedQueue is a capacity-limited FIFO backed by a growable ring buffer.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// BoundedQueue is safe for any number of concurrent producers and consumers.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	ring     *queue.Queue
	capacity int
	closed   bool
}

// NewBoundedQueue creates a queue holding at most capacity items. A
// non-positive capacity is treated as 1.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &BoundedQueue[T]{
		ring:     queue.New(),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends item, blocking while the queue is full.
func (q *BoundedQueue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.ring.Length() >= q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.ring.Add(item)
	q.notEmpty.Signal()
	return nil
}

// TryPut appends item if there is room, without blocking.
func (q *BoundedQueue[T]) TryPut(item T) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	if q.ring.Length() >= q.capacity {
		return false, nil
	}
	q.ring.Add(item)
	q.notEmpty.Signal()
	return true, nil
}

// Take removes the oldest item, blocking while the queue is empty. After
// Close, remaining items are still returned; ErrQueueClosed follows once the
// queue is drained.
func (q *BoundedQueue[T]) Take() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.ring.Length() == 0 {
		q.notEmpty.Wait()
	}
	if q.ring.Length() == 0 {
		var zero T
		return zero, ErrQueueClosed
	}
	return q.removeLocked(), nil
}

// TryTake removes the oldest item without blocking.
func (q *BoundedQueue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.removeLocked(), true
}

func (q *BoundedQueue[T]) removeLocked() T {
	item, _ := q.ring.Remove().(T)
	q.notFull.Signal()
	return item
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// Cap returns the configured capacity.
func (q *BoundedQueue[T]) Cap() int { return q.capacity }

// Close wakes every blocked producer and consumer. It is idempotent.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (q *BoundedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
