// Package mailbox provides a typed lock-free single-producer
// single-consumer queue with a bounded blocking receive. Worker pools use
// one mailbox per direction per worker.
package mailbox

import (
	"sync/atomic"
	"time"
)

// Mailbox is a fixed-capacity SPSC ring of values of type T.
//
// Thread safety:
//   - Push() must only be called by the producer goroutine
//   - Pop() and Receive() must only be called by the consumer goroutine
//
// Capacity is rounded up to a power of 2 and one slot is kept free, so a
// mailbox created with New(8) holds at most 7 values.
type Mailbox[T any] struct {
	buffer   []T
	size     uint64
	mask     uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64

	// wake carries at most one pending notification from Push to Receive.
	wake  chan struct{}
	timer *time.Timer
}

// New creates a mailbox with the given capacity.
func New[T any](capacity uint64) *Mailbox[T] {
	capacity = nextPowerOf2(max(capacity, 2))
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &Mailbox[T]{
		buffer: make([]T, capacity),
		size:   capacity,
		mask:   capacity - 1,
		wake:   make(chan struct{}, 1),
		timer:  timer,
	}
}

// Push enqueues v. It returns false without blocking when the mailbox is
// full.
func (m *Mailbox[T]) Push(v T) bool {
	writePos := m.writePos.Load()
	if writePos-m.readPos.Load() >= m.size-1 {
		return false
	}
	m.buffer[writePos&m.mask] = v
	m.writePos.Store(writePos + 1)

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the oldest value if there is one.
func (m *Mailbox[T]) Pop() (T, bool) {
	var zero T
	readPos := m.readPos.Load()
	if readPos == m.writePos.Load() {
		return zero, false
	}
	pos := readPos & m.mask
	v := m.buffer[pos]
	m.buffer[pos] = zero // drop references held by the slot
	m.readPos.Store(readPos + 1)
	return v, true
}

// Receive waits up to timeout for a value. It returns false on timeout;
// it never spins.
func (m *Mailbox[T]) Receive(timeout time.Duration) (T, bool) {
	if v, ok := m.Pop(); ok {
		return v, true
	}

	m.timer.Reset(timeout)
	defer m.timer.Stop()
	for {
		select {
		case <-m.wake:
			if v, ok := m.Pop(); ok {
				return v, true
			}
		case <-m.timer.C:
			return m.Pop()
		}
	}
}

// Notify returns a channel that receives a value after each Push. It lets
// a consumer that watches several mailboxes select on all of them.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.wake
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	return int(m.writePos.Load() - m.readPos.Load())
}

// Cap returns the maximum number of values the mailbox can hold.
func (m *Mailbox[T]) Cap() int {
	return int(m.size - 1)
}

// nextPowerOf2 rounds up to the next power of 2
func nextPowerOf2(n uint64) uint64 {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
