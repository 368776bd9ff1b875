package core

import "sync"

// History is a fixed-capacity ring of the most recent values. Reads return
// copies so callers never share the backing array with the writer.
type History[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	size  int
}

// NewHistory returns a ring holding at most capacity values.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &History[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (h *History[T]) Push(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.start + h.size) % len(h.items)
	h.items[idx] = v
	if h.size < len(h.items) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.items)
}

// Snapshot returns the values oldest first.
func (h *History[T]) Snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.items[(h.start+i)%len(h.items)]
	}
	return out
}

// Last returns the newest value.
func (h *History[T]) Last() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var zero T
	if h.size == 0 {
		return zero, false
	}
	return h.items[(h.start+h.size-1)%len(h.items)], true
}

// Len returns how many values are held.
func (h *History[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the ring capacity.
func (h *History[T]) Cap() int { return len(h.items) }
