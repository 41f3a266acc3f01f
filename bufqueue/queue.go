/*
	bufqueue hands pre-allocated message handling slots between the stages of
	a process (receive, compute, send) without allocating in steady state.

	A slot is owned by exactly one stage at a time: Pop transfers ownership
	to the caller and Push hands it back to whichever stage pops next. Slots
	are never freed while the queue is in use.
*/

package bufqueue

import (
	"context"
	"fmt"
)

// Slot is a reusable unit of buffers. ID is stable for the lifetime of the
// arena that created the slot and can be used to index per-slot resources.
type Slot[T any] struct {
	ID   int
	Data T
}

// Queue is a bounded FIFO of slots that is safe for concurrent use by
// multiple producers and consumers.
type Queue[T any] struct {
	slots chan *Slot[T]
}

// New returns an empty queue able to hold up to capacity slots.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Queue[T]{slots: make(chan *Slot[T], capacity)}
}

// NewFilled allocates n slots using alloc and returns a queue that holds all
// of them, in ascending ID order.
func NewFilled[T any](n int, alloc func(id int) T) *Queue[T] {
	q := New[T](n)
	for id := 0; id < n; id++ {
		q.Push(&Slot[T]{ID: id, Data: alloc(id)})
	}

	return q
}

// Push appends a slot at the back of the queue. The caller gives up
// ownership of s. Pushing more slots than the queue capacity means a slot
// was duplicated somewhere and is reported with a panic.
func (q *Queue[T]) Push(s *Slot[T]) {
	select {
	case q.slots <- s:
	default:
		panic(fmt.Sprintf("bufqueue: push of slot %d exceeds capacity %d", s.ID, cap(q.slots)))
	}
}

// Pop removes the slot at the front of the queue, blocking until one is
// available or the context expires.
func (q *Queue[T]) Pop(ctx context.Context) (*Slot[T], error) {
	// Fast path, avoids the select machinery with ctx when a slot is ready.
	select {
	case s := <-q.slots:
		return s, nil
	default:
	}

	select {
	case s := <-q.slots:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPop removes the slot at the front of the queue if one is available.
func (q *Queue[T]) TryPop() (*Slot[T], bool) {
	select {
	case s := <-q.slots:
		return s, true
	default:
		return nil, false
	}
}

// Len returns the number of slots currently queued.
func (q *Queue[T]) Len() int { return len(q.slots) }

// Cap returns the maximum number of slots the queue can hold.
func (q *Queue[T]) Cap() int { return cap(q.slots) }
