package feeder

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/drgolem/audiorouter/pkg/ringbuffer"
)

// pcmDecoder serves a fixed block of little-endian PCM.
type pcmDecoder struct {
	rate, channels, bits int
	data                 []byte
	pos                  int
	failAfter            int
}

func (d *pcmDecoder) Open(string) error { return nil }
func (d *pcmDecoder) Close() error      { return nil }
func (d *pcmDecoder) GetFormat() (int, int, int) {
	return d.rate, d.channels, d.bits
}

func (d *pcmDecoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.failAfter > 0 && d.pos >= d.failAfter {
		return 0, errors.New("corrupt frame")
	}
	fb := d.channels * d.bits / 8
	n := copy(audio[:samples*fb], d.data[d.pos:])
	d.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n / fb, nil
}

func int16PCM(vals ...int16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func testConfig(rate uint32, ch int) Config {
	cfg := DefaultConfig()
	cfg.SampleRate = rate
	cfg.Channels = ch
	cfg.ChunkFrames = 4
	cfg.StageBytes = 64
	cfg.Poll = time.Millisecond
	return cfg
}

func TestFeedsStereoUnchanged(t *testing.T) {
	dec := &pcmDecoder{rate: 48000, channels: 2, bits: 16, data: int16PCM(16384, -16384, 8192, -8192, 0, 32767)}
	ring := ringbuffer.New(64)

	f, err := New(dec, ring, testConfig(48000, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Resampling() {
		t.Fatal("resampling at equal rates")
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.Finished() || f.FramesWritten() != 3 {
		t.Fatalf("finished=%v frames=%d", f.Finished(), f.FramesWritten())
	}

	got := make([]float32, 6)
	ring.Read(got)
	want := []float32{0.5, -0.5, 0.25, -0.25, 0, 32767.0 / 32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestUpmixesMono(t *testing.T) {
	dec := &pcmDecoder{rate: 22050, channels: 1, bits: 16, data: int16PCM(16384, -8192)}
	ring := ringbuffer.New(16)
	f, err := New(dec, ring, testConfig(22050, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := make([]float32, 4)
	ring.Read(got)
	if got[0] != 0.5 || got[1] != 0.5 || got[2] != -0.25 || got[3] != -0.25 {
		t.Errorf("upmix: %v", got)
	}
}

func TestDownmixesAndWidens(t *testing.T) {
	// 24-bit stereo: 0x400000 is +0.5, 0xC00000 is -0.5.
	data := []byte{0x00, 0x00, 0x40, 0x00, 0x00, 0x40, 0x00, 0x00, 0x40, 0x00, 0x00, 0xC0}
	dec := &pcmDecoder{rate: 8000, channels: 2, bits: 24, data: data}
	ring := ringbuffer.New(16)
	f, err := New(dec, ring, testConfig(8000, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := make([]float32, 2)
	ring.Read(got)
	if got[0] != 0.5 || got[1] != 0 {
		t.Errorf("downmix: %v", got)
	}
}

func int24PCM(vals ...int32) []byte {
	b := make([]byte, 3*len(vals))
	for i, v := range vals {
		b[3*i] = byte(v)
		b[3*i+1] = byte(v >> 8)
		b[3*i+2] = byte(v >> 16)
	}
	return b
}

func TestKeepsLowBitsOfWideSamples(t *testing.T) {
	// Both values sit below one 16-bit step.
	dec := &pcmDecoder{rate: 48000, channels: 1, bits: 24, data: int24PCM(1, -3)}
	ring := ringbuffer.New(16)
	f, err := New(dec, ring, testConfig(48000, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := make([]float32, 2)
	ring.Read(got)
	if want := []float32{1.0 / (1 << 23), -3.0 / (1 << 23)}; got[0] != want[0] || got[1] != want[1] {
		t.Errorf("24-bit: got %v, want %v", got, want)
	}

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 65537)
	dec = &pcmDecoder{rate: 48000, channels: 1, bits: 32, data: b}
	ring = ringbuffer.New(16)
	f, _ = New(dec, ring, testConfig(48000, 1), nil)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	ring.Read(got[:1])
	if want := float32(65537.0 / (1 << 31)); got[0] != want {
		t.Errorf("32-bit: got %g, want %g", got[0], want)
	}
}

func TestResamplingKeepsLowBits(t *testing.T) {
	// A DC level of 100 LSB at 24 bits is zero once cut to 16 bits.
	const level = 100.0 / (1 << 23)
	vals := make([]int32, 2000)
	for i := range vals {
		vals[i] = 100
	}
	dec := &pcmDecoder{rate: 8000, channels: 1, bits: 24, data: int24PCM(vals...)}
	ring := ringbuffer.New(8192)
	cfg := testConfig(16000, 1)
	cfg.ChunkFrames = 256
	cfg.StageBytes = 4096
	f, err := New(dec, ring, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Resampling() {
		t.Fatal("not resampling 8 kHz to 16 kHz")
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, ring.FillLevel())
	ring.Read(out)
	if len(out) < 3000 {
		t.Fatalf("resampled %d frames, want about 4000", len(out))
	}
	// Skip the filter edges and check the settled middle.
	mid := out[len(out)/4 : 3*len(out)/4]
	for i, v := range mid {
		if d := float64(v) - level; d > level/10 || d < -level/10 {
			t.Fatalf("frame %d: got %g, want about %g", i+len(out)/4, v, level)
		}
	}
}

func TestWaitsForRoomInsteadOfOverrunning(t *testing.T) {
	vals := make([]int16, 2*64)
	for i := range vals {
		vals[i] = int16(i)
	}
	dec := &pcmDecoder{rate: 48000, channels: 2, bits: 16, data: int16PCM(vals...)}
	ring := ringbuffer.New(16)
	f, _ := New(dec, ring, testConfig(48000, 2), nil)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	got := make([]float32, 0, len(vals))
	buf := make([]float32, 8)
	deadline := time.After(5 * time.Second)
	for len(got) < len(vals) {
		if n := ring.FillLevel(); n >= len(buf) {
			ring.Read(buf)
			got = append(got, buf...)
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("stalled after %d samples", len(got))
		case <-time.After(time.Millisecond):
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if want := float32(i) / 32768; v != want {
			t.Fatalf("sample %d: got %f, want %f", i, v, want)
		}
	}
	if ring.Overruns() != 0 {
		t.Errorf("overruns: %d", ring.Overruns())
	}
}

func TestDecodeErrorIsReported(t *testing.T) {
	dec := &pcmDecoder{rate: 48000, channels: 1, bits: 16, data: int16PCM(1, 2, 3, 4, 5, 6, 7, 8), failAfter: 8}
	f, _ := New(dec, ringbuffer.New(64), testConfig(48000, 1), nil)
	if err := f.Run(context.Background()); err == nil || f.Finished() {
		t.Errorf("err=%v finished=%v", err, f.Finished())
	}
}

func TestCancelStopsBlockedFeeder(t *testing.T) {
	dec := &pcmDecoder{rate: 48000, channels: 1, bits: 16, data: make([]byte, 4096)}
	f, _ := New(dec, ringbuffer.New(8), testConfig(48000, 1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run: %v", err)
	}
}

func TestNewRejectsBadFormats(t *testing.T) {
	if _, err := New(&pcmDecoder{rate: 48000, channels: 2, bits: 12}, ringbuffer.New(8), testConfig(48000, 2), nil); err == nil {
		t.Error("12-bit accepted")
	}
	if _, err := New(&pcmDecoder{rate: 48000, channels: 2, bits: 16}, ringbuffer.New(8), testConfig(48000, 0), nil); err == nil {
		t.Error("zero output channels accepted")
	}
}
