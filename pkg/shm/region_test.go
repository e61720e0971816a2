package shm

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

var testLayout = Layout{
	Workers:      3,
	Rings:        2,
	RingCapacity: 1000, // rounded to 1024
	FFTSlots:     2,
	FFTBins:      513,
	EQBands:      10,
	ScratchBytes: 4096,
}

func TestHeader(t *testing.T) {
	r, err := New(testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := r.Bytes()
	le := binary.LittleEndian

	if le.Uint32(buf[0:]) != Magic {
		t.Errorf("magic: got 0x%x", le.Uint32(buf[0:]))
	}
	if le.Uint32(buf[4:]) != Version {
		t.Errorf("version: got %d", le.Uint32(buf[4:]))
	}
	if le.Uint64(buf[8:]) != uint64(len(buf)) {
		t.Errorf("total size: header %d, buffer %d", le.Uint64(buf[8:]), len(buf))
	}
	if le.Uint32(buf[24:]) != 1024 {
		t.Errorf("ring capacity: got %d, want 1024", le.Uint32(buf[24:]))
	}
}

func TestSectionsAreOrderedAlignedAndDisjoint(t *testing.T) {
	sections, total := testLayout.Sections()
	prevEnd := uint64(HeaderSize)
	for k, s := range sections {
		if s.Offset%64 != 0 {
			t.Errorf("%v: offset %d not 64-byte aligned", SectionKind(k), s.Offset)
		}
		if s.Offset < prevEnd {
			t.Errorf("%v: offset %d overlaps previous section ending at %d", SectionKind(k), s.Offset, prevEnd)
		}
		prevEnd = s.Offset + s.Size
	}
	if prevEnd > total {
		t.Errorf("sections end at %d past total %d", prevEnd, total)
	}
}

func TestLayoutIsStable(t *testing.T) {
	// Offsets are part of the wire format; changing them needs a Version bump.
	l := Layout{Workers: 2, Rings: 1, RingCapacity: 16, FFTSlots: 1, FFTBins: 8, EQBands: 1, ScratchBytes: 64}
	sections, total := l.Sections()
	want := [numSections]Section{
		{256, 32},
		{320, 192},
		{512, 64},
		{576, 128},
		{704, 84},
		{832, 64},
	}
	if sections != want {
		t.Errorf("sections: got %v, want %v", sections, want)
	}
	if total != 896 {
		t.Errorf("total: got %d, want 896", total)
	}
}

func TestAttachRoundTrip(t *testing.T) {
	r, err := New(testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Ring(1).Write([]float32{1, 2, 3})

	a, err := Attach(r.Bytes())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if a.Layout().RingCapacity != 1024 || a.Layout().Workers != 3 {
		t.Errorf("attached layout: %+v", a.Layout())
	}
	out := make([]float32, 3)
	if a.Ring(1).Read(out) != 3 || out[2] != 3 {
		t.Errorf("attached ring read %v", out)
	}
	if r.Ring(1).FillLevel() != 0 {
		t.Errorf("original view still sees %d samples", r.Ring(1).FillLevel())
	}
}

func TestAttachRejectsCorruptHeaders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] ^= 0xff; return b }, ErrBadMagic},
		{"version", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:], 99); return b }, ErrBadVersion},
		{"truncated", func(b []byte) []byte { return b[:len(b)-64] }, ErrBadSize},
		{"total", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[8:], 12); return b }, ErrBadSize},
		{"short", func(b []byte) []byte { return b[:100] }, ErrBadSize},
	}

	for _, tt := range tests {
		// A fresh word-backed region keeps the alignment Attach requires.
		fresh, _ := New(testLayout)
		_, err := Attach(tt.mutate(fresh.Bytes()))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestWorkerState(t *testing.T) {
	r, _ := New(testLayout)
	r.SetWorkerState(2, 1, 77)
	state, task := r.WorkerState(2)
	if state != 1 || task != 77 {
		t.Errorf("worker 2: got (%d, %d), want (1, 77)", state, task)
	}
	if state, task := r.WorkerState(0); state != 0 || task != 0 {
		t.Errorf("worker 0 not zero: (%d, %d)", state, task)
	}
}

func TestSpectrumSlot(t *testing.T) {
	r, _ := New(testLayout)
	dst := make([]float32, 513)
	if _, _, ok := r.ReadSpectrum(0, dst); ok {
		t.Fatalf("empty slot reported a spectrum")
	}

	mags := make([]float32, 600)
	for i := range mags {
		mags[i] = float32(i)
	}
	r.WriteSpectrum(1, mags)
	r.WriteSpectrum(1, mags)

	n, seq, ok := r.ReadSpectrum(1, dst)
	if !ok || n != 513 {
		t.Fatalf("ReadSpectrum: n=%d ok=%v", n, ok)
	}
	if seq != 2 {
		t.Errorf("sequence: got %d, want 2", seq)
	}
	if dst[512] != 512 {
		t.Errorf("last bin: got %v", dst[512])
	}
	if _, _, ok := r.ReadSpectrum(0, dst); ok {
		t.Errorf("slot 0 affected by write to slot 1")
	}
}

func TestEQCoefficients(t *testing.T) {
	r, _ := New(testLayout)
	bands := [][EQCoeffsPerBand]float32{
		{1, 0, 0, 0, 0},
		{0.9, -1.8, 0.9, -1.7, 0.8},
	}
	if v, ok := r.StoreEQ(0, bands); !ok || v != 1 {
		t.Errorf("version: got %d %v, want 1 true", v, ok)
	}

	dst := make([][EQCoeffsPerBand]float32, 10)
	n, version, ok := r.LoadEQ(dst)
	if !ok || n != 2 || version != 1 {
		t.Fatalf("LoadEQ: n=%d version=%d ok=%v", n, version, ok)
	}
	if dst[1] != bands[1] {
		t.Errorf("band 1: got %v, want %v", dst[1], bands[1])
	}
}

func TestEQDropsStaleGeneration(t *testing.T) {
	r, _ := New(testLayout)
	newer := [][EQCoeffsPerBand]float32{{2, 0, 0, 0, 0}}
	older := [][EQCoeffsPerBand]float32{{1, 0, 0, 0, 0}}

	if _, ok := r.StoreEQ(2, newer); !ok {
		t.Fatal("generation 2 rejected")
	}
	if v, ok := r.StoreEQ(1, older); ok || v != 1 {
		t.Errorf("stale store: version %d ok %v, want 1 false", v, ok)
	}
	if _, ok := r.StoreEQ(2, older); ok {
		t.Error("repeated generation accepted")
	}
	if g := r.EQGeneration(); g != 2 {
		t.Errorf("generation = %d, want 2", g)
	}

	dst := make([][EQCoeffsPerBand]float32, 1)
	n, version, ok := r.LoadEQ(dst)
	if !ok || n != 1 || version != 1 || dst[0] != newer[0] {
		t.Errorf("LoadEQ: n=%d version=%d ok=%v band=%v", n, version, ok, dst[0])
	}
}

func TestEQConcurrentWritersNeverTear(t *testing.T) {
	r, _ := New(testLayout)
	sets := [2][][EQCoeffsPerBand]float32{
		make([][EQCoeffsPerBand]float32, testLayout.EQBands),
		make([][EQCoeffsPerBand]float32, testLayout.EQBands),
	}
	for b := range testLayout.EQBands {
		sets[0][b] = [EQCoeffsPerBand]float32{1, 1, 1, 1, 1}
		sets[1][b] = [EQCoeffsPerBand]float32{2, 2, 2, 2, 2}
	}

	var wg sync.WaitGroup
	for w := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 2000 {
				r.StoreEQ(0, sets[w])
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	dst := make([][EQCoeffsPerBand]float32, testLayout.EQBands)
	check := func() {
		n, _, ok := r.LoadEQ(dst)
		if !ok || n == 0 {
			return
		}
		first := dst[0][0]
		for b := range n {
			for _, c := range dst[b] {
				if c != first {
					t.Fatalf("torn coefficient set: %v", dst[:n])
				}
			}
		}
	}
	for {
		select {
		case <-done:
			check()
			if v := r.u32(r.Section(SectionEQ).Offset).Load(); v != 2*4000 {
				t.Errorf("version word = %d, want %d", v, 2*4000)
			}
			return
		default:
			check()
		}
	}
}

func TestDecodeScratch(t *testing.T) {
	r, _ := New(testLayout)
	s := r.DecodeScratch()
	if len(s) != 4096 {
		t.Fatalf("scratch length %d", len(s))
	}
	s[0] = 0xAB
	off := r.Section(SectionDecodeScratch).Offset
	if r.Bytes()[off] != 0xAB {
		t.Errorf("scratch is not a view of the region")
	}
}
