package util

import "sync"

// RingBuffer keeps the most recent N values of T. Once capacity is reached
// each Push evicts the oldest value. Safe for concurrent use; readers get
// copies and never block writers for long.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer allocates a buffer holding at most capacity values.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push records one value, evicting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.buf[(r.head+r.count)%len(r.buf)] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot copies out the retained values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len reports how many values are currently retained.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
