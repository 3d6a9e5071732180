// Package ringbuf provides a fixed-capacity ring buffer that keeps the most
// recent N values. Pushing into a full ring evicts the oldest value.
//
// A Ring is not safe for concurrent use; callers guard it with their own lock.
package ringbuf

// Ring holds at most Cap() values of type T.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest value
	n    int

	evicted uint64
}

// New creates a ring that holds up to capacity values. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v as the newest value. Returns true if the oldest value was
// evicted to make room.
func (r *Ring[T]) Push(v T) bool {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
	return true
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns the total number of values pushed out by newer ones.
func (r *Ring[T]) Evicted() uint64 { return r.evicted }

// Slice returns a copy of the held values, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Reverse returns a copy of the held values, newest first.
func (r *Ring[T]) Reverse() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+r.n-1-i)%len(r.buf)]
	}
	return out
}

// Head returns the newest value.
func (r *Ring[T]) Head() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Reset drops every value. The eviction counter is kept.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}
