// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free single-producer/single-consumer ring buffer. The reactor
// loop is the only producer and consumer of its callable batches, so
// the SPSC discipline holds by construction. Padding separates the hot
// indices.

package pool

import (
	"sync/atomic"
)

// RingBuffer is a fixed-capacity SPSC ring (power-of-two size).
type RingBuffer[T any] struct {
	data []T
	mask uint64
	head uint64
	_    [56]byte
	tail uint64
	_    [56]byte
}

// NewRingBuffer allocates a ring buffer with size (must be power of two).
func NewRingBuffer[T any](size uint64) *RingBuffer[T] {
	if size == 0 || (size&(size-1)) != 0 {
		panic("ring buffer size must be power of two")
	}
	return &RingBuffer[T]{
		data: make([]T, size),
		mask: size - 1,
	}
}

// Enqueue adds an item; returns false if full.
func (r *RingBuffer[T]) Enqueue(val T) bool {
	head := atomic.LoadUint64(&r.head)
	tail := r.tail
	if tail-head == uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = val
	atomic.StoreUint64(&r.tail, tail+1)
	return true
}

// Dequeue removes and returns (item, ok); ok==false if empty.
func (r *RingBuffer[T]) Dequeue() (res T, ok bool) {
	tail := atomic.LoadUint64(&r.tail)
	head := r.head
	if head == tail {
		return res, false
	}
	idx := head & r.mask
	res = r.data[idx]
	var zero T
	r.data[idx] = zero
	atomic.StoreUint64(&r.head, head+1)
	return res, true
}

// Len returns the number of items in the buffer.
func (r *RingBuffer[T]) Len() int {
	return int(atomic.LoadUint64(&r.tail) - atomic.LoadUint64(&r.head))
}

// Cap returns the logical buffer capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.data)
}
