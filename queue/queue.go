// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"sync"
	"time"
)

// Queue errors.
var (
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// DefaultCapacity is the default number of buffered items.
const DefaultCapacity = 1000

// Queue is a bounded FIFO buffer safe for many concurrent producers and a
// single consumer. Closing it acts as a stop sentinel: any pending or future
// Get returns immediately.
type Queue[T any] struct {
	items chan T
	done  chan struct{}

	// mu orders puts against Close: a put either lands before Close or
	// fails with ErrClosed.
	mu     sync.RWMutex
	closed bool
}

// New creates a queue holding up to capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// TryPut adds v without blocking.
func (q *Queue[T]) TryPut(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.items <- v:
		return nil
	default:
		return ErrFull
	}
}

// Get waits up to timeout for the next item. It returns false on timeout or
// once the queue is closed.
func (q *Queue[T]) Get(timeout time.Duration) (T, bool) {
	var zero T

	select {
	case <-q.done:
		return zero, false
	case v := <-q.items:
		return v, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-q.items:
		return v, true
	case <-q.done:
		return zero, false
	case <-timer.C:
		return zero, false
	}
}

// TryGet returns the next item without blocking. It keeps draining buffered
// items after Close.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Close wakes any blocked consumer and rejects further puts. It is safe to
// call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
