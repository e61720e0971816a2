// Package shm lays out the engine's shared memory region: a fixed header
// followed by sections for worker state, ring metadata, audio rings, FFT
// result slots, EQ coefficients and decoder scratch space.
//
// The layout is a wire format between the audio thread and workers (and,
// in the browser build, between the main thread and web workers). For a
// given Version it is byte-stable:
//
//	offset  size  field
//	0       4     magic 0x58554152
//	4       4     version
//	8       8     total size in bytes
//	16      4     worker count
//	20      4     ring count
//	24      4     ring capacity (samples, power of 2)
//	28      4     FFT slot count
//	32      4     FFT bins per slot
//	36      4     EQ band count
//	40      4     decode scratch bytes
//	44      4     reserved
//	48      96    section table: 6 x {offset u64, size u64}
//	256     ...   sections, each 64-byte aligned, in SectionKind order
//
// Header fields are little-endian. Atomic fields inside sections use the
// host byte order.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/drgolem/audiorouter/pkg/ringbuffer"
)

const (
	Magic   uint32 = 0x58554152
	Version uint32 = 1

	HeaderSize = 256

	WorkerStateSize = 16
	FFTSlotHeader   = 64
	EQHeader        = 64
	EQCoeffsPerBand = 5

	align = 64
)

// SectionKind indexes the section table.
type SectionKind int

const (
	SectionWorkerState SectionKind = iota
	SectionRingMeta
	SectionAudioRings
	SectionFFT
	SectionEQ
	SectionDecodeScratch

	numSections
)

func (k SectionKind) String() string {
	return [...]string{"worker_state", "ring_meta", "audio_rings", "fft", "eq", "decode_scratch"}[k]
}

var (
	ErrBadMagic   = errors.New("shm: bad magic")
	ErrBadVersion = errors.New("shm: unsupported version")
	ErrBadSize    = errors.New("shm: size mismatch")
	ErrAlignment  = errors.New("shm: buffer not 8-byte aligned")
)

// Layout holds the counts that determine every offset in a region.
type Layout struct {
	Workers      int
	Rings        int
	RingCapacity int // samples per ring, rounded up to a power of 2
	FFTSlots     int
	FFTBins      int
	EQBands      int
	ScratchBytes int
}

// Section is one entry of the section table.
type Section struct {
	Offset uint64
	Size   uint64
}

func alignUp(n uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func ceilPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}

func (l Layout) normalized() Layout {
	l.RingCapacity = ceilPow2(l.RingCapacity)
	return l
}

// fftSlotStride is the aligned byte size of one FFT slot.
func (l Layout) fftSlotStride() uint64 {
	return alignUp(FFTSlotHeader + uint64(l.FFTBins)*4)
}

// Sections computes the section table and the total region size.
func (l Layout) Sections() ([numSections]Section, uint64) {
	l = l.normalized()
	sizes := [numSections]uint64{
		SectionWorkerState:   uint64(l.Workers) * WorkerStateSize,
		SectionRingMeta:      uint64(l.Rings) * ringbuffer.MetaSize,
		SectionAudioRings:    uint64(l.Rings) * uint64(l.RingCapacity) * 4,
		SectionFFT:           uint64(l.FFTSlots) * l.fftSlotStride(),
		SectionEQ:            EQHeader + uint64(l.EQBands)*EQCoeffsPerBand*4,
		SectionDecodeScratch: uint64(l.ScratchBytes),
	}

	var table [numSections]Section
	off := uint64(HeaderSize)
	for k := range table {
		table[k] = Section{Offset: off, Size: sizes[k]}
		off = alignUp(off + sizes[k])
	}
	return table, off
}

// Size is the total byte size of a region with this layout.
func (l Layout) Size() uint64 {
	_, total := l.Sections()
	return total
}

func (l Layout) validate() error {
	if l.Workers < 0 || l.Rings < 0 || l.FFTSlots < 0 || l.FFTBins < 0 || l.EQBands < 0 || l.ScratchBytes < 0 {
		return fmt.Errorf("shm: negative count in layout %+v", l)
	}
	if l.Rings > 0 && l.RingCapacity <= 0 {
		return fmt.Errorf("shm: ring capacity must be positive")
	}
	return nil
}

// Region is a shared memory block with typed accessors over its sections.
type Region struct {
	buf      []byte
	layout   Layout
	sections [numSections]Section
	rings    []*ringbuffer.RingBuffer
}

// New allocates and initializes a region. The backing store is allocated
// as 64-bit words so every atomic field is naturally aligned.
func New(l Layout) (*Region, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	l = l.normalized()
	sections, total := l.Sections()

	words := make([]uint64, total/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), total)
	writeHeader(buf, l, sections, total)

	return newRegion(buf, l, sections)
}

// Attach validates an existing region, for example one received from
// another thread or process, and returns accessors over it.
func Attach(buf []byte) (*Region, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrBadSize, len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, ErrAlignment
	}
	le := binary.LittleEndian
	if m := le.Uint32(buf[0:]); m != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, m)
	}
	if v := le.Uint32(buf[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	l := Layout{
		Workers:      int(le.Uint32(buf[16:])),
		Rings:        int(le.Uint32(buf[20:])),
		RingCapacity: int(le.Uint32(buf[24:])),
		FFTSlots:     int(le.Uint32(buf[28:])),
		FFTBins:      int(le.Uint32(buf[32:])),
		EQBands:      int(le.Uint32(buf[36:])),
		ScratchBytes: int(le.Uint32(buf[40:])),
	}
	sections, total := l.Sections()
	if got := le.Uint64(buf[8:]); got != total || uint64(len(buf)) < total {
		return nil, fmt.Errorf("%w: header says %d, layout needs %d, buffer has %d", ErrBadSize, got, total, len(buf))
	}
	for k := range sections {
		off := 48 + k*16
		if le.Uint64(buf[off:]) != sections[k].Offset || le.Uint64(buf[off+8:]) != sections[k].Size {
			return nil, fmt.Errorf("%w: section %v does not match layout", ErrBadSize, SectionKind(k))
		}
	}
	return newRegion(buf[:total], l, sections)
}

func writeHeader(buf []byte, l Layout, sections [numSections]Section, total uint64) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], Magic)
	le.PutUint32(buf[4:], Version)
	le.PutUint64(buf[8:], total)
	le.PutUint32(buf[16:], uint32(l.Workers))
	le.PutUint32(buf[20:], uint32(l.Rings))
	le.PutUint32(buf[24:], uint32(l.RingCapacity))
	le.PutUint32(buf[28:], uint32(l.FFTSlots))
	le.PutUint32(buf[32:], uint32(l.FFTBins))
	le.PutUint32(buf[36:], uint32(l.EQBands))
	le.PutUint32(buf[40:], uint32(l.ScratchBytes))
	for k, s := range sections {
		off := 48 + k*16
		le.PutUint64(buf[off:], s.Offset)
		le.PutUint64(buf[off+8:], s.Size)
	}
}

func newRegion(buf []byte, l Layout, sections [numSections]Section) (*Region, error) {
	r := &Region{buf: buf, layout: l, sections: sections}
	r.rings = make([]*ringbuffer.RingBuffer, l.Rings)
	for i := range r.rings {
		ring, err := ringbuffer.NewOver(r.ringStorage(i), r.ringMeta(i))
		if err != nil {
			return nil, fmt.Errorf("shm: ring %d: %w", i, err)
		}
		r.rings[i] = ring
	}
	return r, nil
}

// Bytes exposes the raw region for handing to another thread.
func (r *Region) Bytes() []byte { return r.buf }

// Layout returns the counts the region was built with.
func (r *Region) Layout() Layout { return r.layout }

// Section returns the table entry for k.
func (r *Region) Section(k SectionKind) Section { return r.sections[k] }

// Ring returns ring i, backed by the region's audio ring section.
func (r *Region) Ring(i int) *ringbuffer.RingBuffer {
	return r.rings[i]
}

func (r *Region) ringMeta(i int) *ringbuffer.Meta {
	off := r.sections[SectionRingMeta].Offset + uint64(i)*ringbuffer.MetaSize
	return (*ringbuffer.Meta)(unsafe.Pointer(&r.buf[off]))
}

func (r *Region) ringStorage(i int) []float32 {
	n := uint64(r.layout.RingCapacity)
	off := r.sections[SectionAudioRings].Offset + uint64(i)*n*4
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.buf[off])), n)
}

// DecodeScratch returns the decoder staging area.
func (r *Region) DecodeScratch() []byte {
	s := r.sections[SectionDecodeScratch]
	return r.buf[s.Offset : s.Offset+s.Size : s.Offset+s.Size]
}
