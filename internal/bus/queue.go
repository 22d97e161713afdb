package bus

import (
	"fmt"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DefaultQueueCapacity is used when a non-positive capacity is requested.
const DefaultQueueCapacity = 64

// Queue is a bounded FIFO safe for concurrent producers and a single consumer.
// It never blocks: Push fails when full and Pop reports absence when empty.
type Queue[T any] struct {
	rb       mpmc.RingBuffer[T]
	capacity int
}

// NewQueue creates a queue holding at least capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue[T]{
		rb:       mpmc.New[T](uint32(capacity)),
		capacity: capacity,
	}
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) error {
	if err := q.rb.Enqueue(v); err != nil {
		return fmt.Errorf("queue push (capacity %d): %w", q.capacity, err)
	}
	return nil
}

// Pop removes the head of the queue. The second return value is false when
// the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.rb.IsEmpty() {
		return zero, false
	}
	v, err := q.rb.Dequeue()
	if err != nil {
		return zero, false
	}
	return v, true
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	return q.rb.IsEmpty()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return int(q.rb.Quantity())
}
