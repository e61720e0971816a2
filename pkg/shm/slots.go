package shm

import (
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"
)

func (r *Region) u32(off uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.buf[off]))
}

func (r *Region) u64(off uint64) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.buf[off]))
}

// Worker state slot: state u32 at +0, 4 bytes padding, task id u64 at +8.

// SetWorkerState publishes worker i's state and current task id.
func (r *Region) SetWorkerState(i int, state uint32, taskID uint64) {
	off := r.sections[SectionWorkerState].Offset + uint64(i)*WorkerStateSize
	r.u64(off + 8).Store(taskID)
	r.u32(off).Store(state)
}

// WorkerState reads worker i's published state and task id.
func (r *Region) WorkerState(i int) (state uint32, taskID uint64) {
	off := r.sections[SectionWorkerState].Offset + uint64(i)*WorkerStateSize
	return r.u32(off).Load(), r.u64(off + 8).Load()
}

// FFT slot: sequence u32 at +0 (odd while a write is in progress),
// bin count u32 at +4, bins from +64.

func (r *Region) fftSlot(slot int) uint64 {
	return r.sections[SectionFFT].Offset + uint64(slot)*r.layout.fftSlotStride()
}

// WriteSpectrum stores magnitudes into slot. Extra bins beyond FFTBins are
// dropped. Only one goroutine may write a given slot at a time.
func (r *Region) WriteSpectrum(slot int, mags []float32) {
	base := r.fftSlot(slot)
	seq := r.u32(base)
	n := min(len(mags), r.layout.FFTBins)

	s := seq.Load()
	seq.Store(s + 1)
	r.u32(base + 4).Store(uint32(n))
	for i := 0; i < n; i++ {
		r.u32(base + FFTSlotHeader + uint64(i)*4).Store(math.Float32bits(mags[i]))
	}
	seq.Store(s + 2)
}

// ReadSpectrum copies the latest consistent spectrum of slot into dst and
// returns the bin count and the slot's sequence number. ok is false if no
// spectrum has been written yet or the writer kept the slot busy for
// every retry.
func (r *Region) ReadSpectrum(slot int, dst []float32) (n int, seq uint32, ok bool) {
	base := r.fftSlot(slot)
	seqp := r.u32(base)

	for attempt := 0; attempt < 8; attempt++ {
		before := seqp.Load()
		if before == 0 {
			return 0, 0, false
		}
		if before&1 == 1 {
			continue
		}
		n = min(int(r.u32(base+4).Load()), len(dst))
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(r.u32(base + FFTSlotHeader + uint64(i)*4).Load())
		}
		if seqp.Load() == before {
			return n, before / 2, true
		}
	}
	return 0, 0, false
}

// EQ section: version u32 at +0, band count u32 at +4, generation u64 at
// +8, then per band the biquad coefficients b0 b1 b2 a1 a2 from +64.

// StoreEQ publishes one set of coefficients per band and bumps the
// version. Bands beyond EQBands are ignored.
//
// Writers claim the section by moving the version from even to odd, so
// concurrent stores are serialized. A non-zero gen must be greater than
// the generation last stored; a stale design is dropped and ok is false.
// Zero gen always stores.
func (r *Region) StoreEQ(gen uint64, bands [][EQCoeffsPerBand]float32) (version uint32, ok bool) {
	base := r.sections[SectionEQ].Offset
	ver := r.u32(base)
	stored := r.u64(base + 8)
	n := min(len(bands), r.layout.EQBands)

	var v uint32
	for {
		v = ver.Load()
		if v&1 == 0 && ver.CompareAndSwap(v, v+1) {
			break
		}
		runtime.Gosched()
	}
	if gen != 0 && gen <= stored.Load() {
		ver.Store(v)
		return v / 2, false
	}

	if gen != 0 {
		stored.Store(gen)
	}
	r.u32(base + 4).Store(uint32(n))
	for b := 0; b < n; b++ {
		for c := 0; c < EQCoeffsPerBand; c++ {
			off := base + EQHeader + uint64(b*EQCoeffsPerBand+c)*4
			r.u32(off).Store(math.Float32bits(bands[b][c]))
		}
	}
	ver.Store(v + 2)
	return (v + 2) / 2, true
}

// EQGeneration is the generation of the last non-zero-gen store.
func (r *Region) EQGeneration() uint64 {
	return r.u64(r.sections[SectionEQ].Offset + 8).Load()
}

// LoadEQ copies the current coefficients into dst and returns the band
// count and version. ok is false while a store is in progress.
func (r *Region) LoadEQ(dst [][EQCoeffsPerBand]float32) (n int, version uint32, ok bool) {
	base := r.sections[SectionEQ].Offset
	ver := r.u32(base)

	before := ver.Load()
	if before&1 == 1 {
		return 0, 0, false
	}
	n = min(int(r.u32(base+4).Load()), len(dst))
	for b := 0; b < n; b++ {
		for c := 0; c < EQCoeffsPerBand; c++ {
			off := base + EQHeader + uint64(b*EQCoeffsPerBand+c)*4
			dst[b][c] = math.Float32frombits(r.u32(off).Load())
		}
	}
	if ver.Load() != before {
		return 0, 0, false
	}
	return n, before / 2, true
}
