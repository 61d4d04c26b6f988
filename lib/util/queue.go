package util

import (
	"runtime"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// element is a single link in the queue
type element[T any] struct {
	value T
	next  atomic.Pointer[element[T]]
}

// Queue is an unbounded multi-producer single-consumer FIFO.
//
// Producers append with Push and never block. The consumer waits on Ready and then takes
// values with Pop until it reports false. Values pushed by one goroutine are popped in the
// order they were pushed.
//
// Thread-safety: Push, Close, IsClosed and Len are safe for concurrent use. Pop and Ready must
// only be used by a single consumer goroutine.
type Queue[T any] struct {
	head   *element[T] // consumer owned, always the last popped (or sentinel) element
	tail   atomic.Pointer[element[T]]
	ready  chan struct{}
	closed atomic.Bool
	length atomic.Int64
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	sentinel := &element[T]{}
	q := &Queue[T]{
		head:  sentinel,
		ready: make(chan struct{}, 1),
	}
	q.tail.Store(sentinel)
	return q
}

// --------------------------------------------------------------------------
// Producer side
// --------------------------------------------------------------------------

// Push appends v to the queue. It returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}

	e := &element[T]{value: v}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, e) {
				// may fail if another producer already moved the tail forward
				q.tail.CompareAndSwap(tail, e)
				q.length.Add(1)
				q.signal()
				return true
			}
		} else {
			// help a producer that linked its element but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Close stops the queue from accepting new values. Values already queued can still be popped.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.signal()
	}
}

// signal wakes the consumer, a pending wakeup absorbs further ones
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Consumer side
// --------------------------------------------------------------------------

// Ready returns a channel that receives a value whenever new elements were pushed or the queue
// was closed since the last receive. Receiving does not consume elements, use Pop for that.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Pop removes and returns the oldest value. The second result is false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	next := q.head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}

	v := next.value
	var zero T
	next.value = zero // release for gc, next is the new sentinel
	q.head = next
	q.length.Add(-1)
	return v, true
}

// IsClosed reports whether Close was called
func (q *Queue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued values. Under concurrent pushes the result is approximate.
func (q *Queue[T]) Len() int {
	return int(q.length.Load())
}
