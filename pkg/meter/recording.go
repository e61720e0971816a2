package meter

import (
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
	"github.com/drgolem/audiorouter/pkg/types"
)

// RecordingBuffer is a ring buffer that meters everything written to it.
// The producer is usually the router; the consumer an encoder goroutine.
type RecordingBuffer struct {
	ring  *ringbuffer.RingBuffer
	meter *Meter
}

// NewRecordingBuffer allocates a ring of the given capacity in samples.
func NewRecordingBuffer(capacity int, cfg Config) *RecordingBuffer {
	return WrapRing(ringbuffer.New(capacity), cfg)
}

// WrapRing meters an existing ring.
func WrapRing(ring *ringbuffer.RingBuffer, cfg Config) *RecordingBuffer {
	return &RecordingBuffer{ring: ring, meter: New(cfg)}
}

// Write meters p and stores as much of it as fits.
func (b *RecordingBuffer) Write(p []float32) int {
	b.meter.Process(p)
	return b.ring.Write(p)
}

// Read drains into p, zero-filling any shortfall.
func (b *RecordingBuffer) Read(p []float32) int {
	return b.ring.Read(p)
}

func (b *RecordingBuffer) Ring() *ringbuffer.RingBuffer { return b.ring }
func (b *RecordingBuffer) Meter() *Meter                { return b.meter }
func (b *RecordingBuffer) Stats() types.BufferStats     { return b.ring.Stats() }
