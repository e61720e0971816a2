package ringbuffer

import (
	"fmt"
	"sync/atomic"

	"github.com/drgolem/audiorouter/pkg/types"
)

// MetaSize is the byte size of Meta. It is part of the shared memory
// layout and must not change within a layout version.
const MetaSize = 192

// Meta holds the cursors and counters of one ring. It is separate from the
// sample storage so that both can live inside a shared memory region.
//
// The write and read cursors sit on separate cache lines so the producer
// and consumer do not invalidate each other's line on every update.
type Meta struct {
	writePos  atomic.Uint64
	_         [56]byte
	readPos   atomic.Uint64
	_         [56]byte
	overruns  atomic.Uint64
	underruns atomic.Uint64
	_         [48]byte
}

// RingBuffer is a lock-free single-producer single-consumer ring of float32
// samples for real-time audio.
//
// Thread Safety Model:
//   - Write() must only be called by the producer goroutine
//   - Read(), ReadSlices(), Consume() and Peek() only by the consumer
//   - FillLevel(), Stats() and the counters may be called from anywhere
//
// Real-time constraints:
//   - Write and Read never block, allocate or lock
//   - a short write drops the excess and counts an overrun
//   - a short read zero-fills the remainder and counts an underrun
//
// Cursors increase monotonically and are masked on access. One slot is
// kept free so that a full ring is distinguishable from an empty one;
// usable capacity is Capacity()-1.
//
// Memory ordering: the producer copies samples and then stores writePos;
// the consumer loads writePos before copying. sync/atomic operations are
// sequentially consistent, which is at least as strong as the
// release/acquire pairing this protocol needs.
type RingBuffer struct {
	buffer []float32
	size   uint64 // power of 2
	mask   uint64
	meta   *Meta
}

// New creates a ring with the given capacity rounded up to a power of 2.
func New(capacity int) *RingBuffer {
	size := nextPowerOf2(uint64(max(capacity, 2)))
	return &RingBuffer{
		buffer: make([]float32, size),
		size:   size,
		mask:   size - 1,
		meta:   &Meta{},
	}
}

// NewOver builds a ring over externally owned storage, typically a section
// of a shared memory region. len(storage) must be a power of 2.
func NewOver(storage []float32, meta *Meta) (*RingBuffer, error) {
	n := uint64(len(storage))
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("ring storage length %d is not a power of 2", n)
	}
	if meta == nil {
		return nil, fmt.Errorf("ring metadata is nil")
	}
	return &RingBuffer{
		buffer: storage,
		size:   n,
		mask:   n - 1,
		meta:   meta,
	}, nil
}

// Write copies as many samples as fit and returns the count written.
// When not all of p fits, the overrun counter is incremented once.
func (rb *RingBuffer) Write(p []float32) int {
	if len(p) == 0 {
		return 0
	}

	writePos := rb.meta.writePos.Load()
	readPos := rb.meta.readPos.Load()
	free := rb.size - 1 - (writePos - readPos)

	n := uint64(len(p))
	if n > free {
		n = free
		rb.meta.overruns.Add(1)
	}
	if n == 0 {
		return 0
	}

	start := writePos & rb.mask
	if first := rb.size - start; n > first {
		copy(rb.buffer[start:], p[:first])
		copy(rb.buffer, p[first:n])
	} else {
		copy(rb.buffer[start:start+n], p[:n])
	}

	rb.meta.writePos.Store(writePos + n)
	return int(n)
}

// Read fills p completely. Samples not available are written as silence
// and the underrun counter is incremented once. It returns the number of
// real samples read.
func (rb *RingBuffer) Read(p []float32) int {
	if len(p) == 0 {
		return 0
	}

	readPos := rb.meta.readPos.Load()
	writePos := rb.meta.writePos.Load()
	available := writePos - readPos

	n := uint64(len(p))
	if n > available {
		n = available
		rb.meta.underruns.Add(1)
		clear(p[n:])
	}
	if n == 0 {
		return 0
	}

	rb.copyOut(p[:n], readPos)
	rb.meta.readPos.Store(readPos + n)
	return int(n)
}

// Peek copies up to len(p) of the oldest samples without consuming them.
// It does not count underruns and leaves the tail of p untouched.
func (rb *RingBuffer) Peek(p []float32) int {
	readPos := rb.meta.readPos.Load()
	n := min(uint64(len(p)), rb.meta.writePos.Load()-readPos)
	if n == 0 {
		return 0
	}
	rb.copyOut(p[:n], readPos)
	return int(n)
}

func (rb *RingBuffer) copyOut(dst []float32, readPos uint64) {
	n := uint64(len(dst))
	start := readPos & rb.mask
	if first := rb.size - start; n > first {
		copy(dst[:first], rb.buffer[start:])
		copy(dst[first:], rb.buffer[:n-first])
	} else {
		copy(dst, rb.buffer[start:start+n])
	}
}

// ReadSlices returns zero-copy views of the readable samples; second is
// non-nil only when the data wraps. Call Consume afterwards.
func (rb *RingBuffer) ReadSlices() (first, second []float32) {
	readPos := rb.meta.readPos.Load()
	available := rb.meta.writePos.Load() - readPos
	if available == 0 {
		return nil, nil
	}

	start := readPos & rb.mask
	end := start + available
	if end <= rb.size {
		return rb.buffer[start:end], nil
	}
	return rb.buffer[start:], rb.buffer[:end-rb.size]
}

// Consume advances the read cursor by n samples, at most the readable
// amount, and returns how far it advanced.
func (rb *RingBuffer) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	readPos := rb.meta.readPos.Load()
	adv := min(uint64(n), rb.meta.writePos.Load()-readPos)
	rb.meta.readPos.Store(readPos + adv)
	return int(adv)
}

// FillLevel is a monitoring snapshot of the number of readable samples.
func (rb *RingBuffer) FillLevel() int {
	readPos := rb.meta.readPos.Load()
	writePos := rb.meta.writePos.Load()
	if writePos < readPos {
		// Cursors loaded out of step by a concurrent update.
		return 0
	}
	return int(writePos - readPos)
}

// AvailableWrite returns the free space in samples.
func (rb *RingBuffer) AvailableWrite() int {
	return int(rb.size-1) - rb.FillLevel()
}

// Capacity returns the allocated slot count, one more than the number of
// samples the ring can hold.
func (rb *RingBuffer) Capacity() int {
	return int(rb.size)
}

func (rb *RingBuffer) Overruns() uint64  { return rb.meta.overruns.Load() }
func (rb *RingBuffer) Underruns() uint64 { return rb.meta.underruns.Load() }

// Stats returns a telemetry snapshot.
func (rb *RingBuffer) Stats() types.BufferStats {
	return types.BufferStats{
		Capacity:  int(rb.size),
		FillLevel: rb.FillLevel(),
		Overruns:  rb.meta.overruns.Load(),
		Underruns: rb.meta.underruns.Load(),
	}
}

// Reset empties the ring and clears its counters. Neither side may be
// active while Reset runs.
func (rb *RingBuffer) Reset() {
	rb.meta.readPos.Store(0)
	rb.meta.writePos.Store(0)
	rb.meta.overruns.Store(0)
	rb.meta.underruns.Store(0)
}

// nextPowerOf2 rounds up to the next power of 2
func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
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
