package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueDrained is returned by Pop when the queue is empty and no
	// popped item is still being processed, so nothing more can arrive.
	ErrQueueDrained = errors.New("queue is drained")
	ErrQueueClosed  = errors.New("queue is closed")
)

// Position selects which end of the queue Push inserts at.
type Position int

const (
	Back Position = iota
	Front
)

func (p Position) String() string {
	if p == Front {
		return "front"
	}
	return "back"
}

// WorkQueue is a double-ended work queue shared by one or more workers.
// Every successful Pop must be paired with a Done once the item has been
// handled; items pushed while handling it are visible to other workers
// before Done is called.
type WorkQueue[T any] struct {
	items    []T
	inFlight int
	closed   bool
	mu       sync.Mutex
	notify   chan struct{}
}

func New[T any]() *WorkQueue[T] {
	return &WorkQueue[T]{
		items:  make([]T, 0),
		notify: make(chan struct{}),
	}
}

func (q *WorkQueue[T]) Push(item T, pos Position) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if pos == Front {
		q.items = append(q.items, item)
		copy(q.items[1:], q.items[:len(q.items)-1])
		q.items[0] = item
	} else {
		q.items = append(q.items, item)
	}
	q.broadcast()

	return nil
}

// Pop removes the front item. It blocks while the queue is empty but other
// items are in flight, since handling them may push more work.
func (q *WorkQueue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.inFlight++
			q.mu.Unlock()
			return item, nil
		}
		if q.inFlight == 0 {
			q.mu.Unlock()
			return zero, ErrQueueDrained
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Done marks one popped item as handled.
func (q *WorkQueue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	q.broadcast()
}

func (q *WorkQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WorkQueue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *WorkQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.broadcast()

	return nil
}

// broadcast wakes every blocked Pop. Callers hold q.mu.
func (q *WorkQueue[T]) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}
