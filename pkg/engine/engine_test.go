package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/decoders/stream"
	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/generator"
	"github.com/drgolem/audiorouter/pkg/router"
	"github.com/drgolem/audiorouter/pkg/types"
)

func monoConfig() types.AudioConfig {
	return types.AudioConfig{SampleRate: 48000, Channels: 1, Format: types.FormatFloat32, BufferSize: 512}
}

func newTestEngine(t *testing.T, b backend.Backend, audio types.AudioConfig) *Engine {
	t.Helper()
	cfg := DefaultConfig(audio)
	cfg.Workers = 2
	cfg.FFTSize = 1024
	e, err := New(b, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func nullStream(t *testing.T, e *Engine, id string) *backend.NullStream {
	t.Helper()
	s, ok := e.Stream(id)
	if !ok {
		t.Fatalf("stream %s not found", id)
	}
	ns, ok := s.(*backend.NullStream)
	if !ok {
		t.Fatalf("stream is %T", s)
	}
	return ns
}

func filled(n int, v float32) []float32 {
	p := make([]float32, n)
	for i := range p {
		p[i] = v
	}
	return p
}

func TestEndToEndGainAndSaturation(t *testing.T) {
	var out []float32
	b := backend.NewNullBackend(backend.NullConfig{Tap: func(buf []float32) {
		out = append(out[:0], buf...)
	}})
	e := newTestEngine(t, b, monoConfig())

	h, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	src, err := e.CreateSource(types.SignalGenerator, "ones")
	if err != nil {
		t.Fatal(err)
	}
	ring, _ := e.SourceRing(src)
	if n := ring.Write(filled(512, 1)); n != 512 {
		t.Fatalf("wrote %d", n)
	}
	if _, err := e.Connect(src, h.Destination, 2.0); err != nil {
		t.Fatal(err)
	}

	if n := nullStream(t, e, h.ID).Pump(1); n != 1 {
		t.Fatalf("pumped %d", n)
	}
	if len(out) != 512 {
		t.Fatalf("output has %d samples", len(out))
	}
	want := router.SoftClip(2.0)
	if math.Abs(float64(want)-0.9916667) > 1e-6 {
		t.Fatalf("SoftClip(2.0) = %v", want)
	}
	for i, v := range out {
		if v != want {
			t.Fatalf("sample %d = %v, want %v", i, v, want)
		}
	}

	st := e.Stats()
	if st.Ticks != 1 {
		t.Errorf("ticks = %d", st.Ticks)
	}
	if lv := st.Meters[h.Destination]; len(lv) != 1 || lv[0].Peak != want {
		t.Errorf("meter levels = %+v", lv)
	}
	if len(st.Streams) != 1 || !st.Streams[0].Clock {
		t.Errorf("streams = %+v", st.Streams)
	}
	if ring.Underruns() != 0 {
		t.Errorf("source underruns = %d", ring.Underruns())
	}
}

func TestStreamChannelRemap(t *testing.T) {
	var out []float32
	b := backend.NewNullBackend(backend.NullConfig{Tap: func(buf []float32) {
		out = append(out[:0], buf...)
	}})
	stereo := monoConfig()
	stereo.Channels = 2
	e := newTestEngine(t, b, stereo)

	h, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	src, _ := e.CreateSource(types.SignalGenerator, "lr")
	ring, _ := e.SourceRing(src)
	frame := []float32{0.2, 0.6}
	for i := 0; i < 512; i++ {
		ring.Write(frame)
	}
	e.Connect(src, h.Destination, 1)

	nullStream(t, e, h.ID).Pump(1)
	if len(out) != 512 {
		t.Fatalf("mono stream got %d samples", len(out))
	}
	for i, v := range out {
		if math.Abs(float64(v)-0.4) > 1e-6 {
			t.Fatalf("sample %d = %v, want channel average 0.4", i, v)
		}
	}
}

func TestClockMovesToRemainingStream(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	first, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}

	nullStream(t, e, second.ID).Pump(1)
	if e.Router().Ticks() != 0 {
		t.Error("non-clock stream ran the router")
	}
	if err := e.CloseStream(first.ID); err != nil {
		t.Fatal(err)
	}
	nullStream(t, e, second.ID).Pump(1)
	if e.Router().Ticks() != 1 {
		t.Errorf("ticks = %d after clock handoff", e.Router().Ticks())
	}
	if _, ok := e.DestinationRing(first.Destination); ok {
		t.Error("closed stream's destination still registered")
	}
	if err := e.CloseStream(first.ID); !errors.Is(err, types.ErrStream) {
		t.Errorf("second close: %v", err)
	}
}

func TestInputStreamFeedsSource(t *testing.T) {
	b := backend.NewNullBackend(backend.NullConfig{Source: func(in []float32) {
		for i := range in {
			in[i] = 0.25
		}
	}})
	e := newTestEngine(t, b, monoConfig())
	h, err := e.OpenInputStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	nullStream(t, e, h.ID).Pump(2)

	ring, ok := e.SourceRing(h.Source)
	if !ok {
		t.Fatal("input source missing")
	}
	if ring.FillLevel() != 1024 {
		t.Errorf("fill level = %d", ring.FillLevel())
	}
}

func TestSharedRingsThenPrivate(t *testing.T) {
	cfg := DefaultConfig(monoConfig())
	cfg.SharedRings = 1
	cfg.Workers = 1
	e, err := New(backend.NewNullBackend(backend.NullConfig{}), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	a, _ := e.CreateSource(types.FileDecoder, "a")
	b, _ := e.CreateSource(types.FileDecoder, "b")
	ra, _ := e.SourceRing(a)
	rb, _ := e.SourceRing(b)
	if ra != e.Region().Ring(0) {
		t.Error("first ring is not in the shared region")
	}
	if rb == e.Region().Ring(0) {
		t.Error("shared ring handed out twice")
	}
}

func TestSharedRingHeldUntilProducerExits(t *testing.T) {
	cfg := DefaultConfig(monoConfig())
	cfg.SharedRings = 1
	cfg.Workers = 1
	e, err := New(backend.NewNullBackend(backend.NullConfig{}), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	h, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	clock := nullStream(t, e, h.ID)

	// The producer ignores cancellation until released, like a decoder
	// blocked in a read.
	release := make(chan struct{})
	p, err := e.start(context.Background(), types.SignalGenerator, "stuck",
		func(ctx context.Context, _ types.SourceID, src *sourceEntry) error {
			<-release
			src.ring.Write([]float32{1, 1, 1, 1})
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if ring, _ := e.SourceRing(p.Source); ring != e.Region().Ring(0) {
		t.Fatal("producer did not get the shared ring")
	}

	if err := e.RemoveSource(p.Source); err != nil {
		t.Fatal(err)
	}
	clock.Pump(4)
	time.Sleep(20 * time.Millisecond)

	next, err := e.CreateSource(types.FileDecoder, "next")
	if err != nil {
		t.Fatal(err)
	}
	if ring, _ := e.SourceRing(next); ring == e.Region().Ring(0) {
		t.Fatal("shared ring reused while its producer was still running")
	}
	e.RemoveSource(next)

	close(release)
	<-p.Done()
	clock.Pump(2)

	deadline := time.Now().Add(3 * time.Second)
	for {
		id, err := e.CreateSource(types.FileDecoder, "later")
		if err != nil {
			t.Fatal(err)
		}
		if ring, _ := e.SourceRing(id); ring == e.Region().Ring(0) {
			break
		}
		e.RemoveSource(id)
		if time.Now().After(deadline) {
			t.Fatal("shared ring never returned after the producer exited")
		}
		clock.Pump(1)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndpointValidation(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	if _, err := e.CreateSource(types.Encoder, "x"); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Errorf("encoder as source: %v", err)
	}
	if _, err := e.CreateDestination(types.FileDecoder, "x"); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Errorf("decoder as destination: %v", err)
	}
	if err := e.RemoveSource(99); !errors.Is(err, types.ErrUnknownEndpoint) {
		t.Errorf("remove unknown: %v", err)
	}
	if _, err := e.OpenStream("", types.AudioConfig{}); !errors.Is(err, types.ErrConfigUnsupported) {
		t.Errorf("zero config: %v", err)
	}
}

func TestSpectrumOfAnalysisTap(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	h, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	src, _ := e.CreateSource(types.SignalGenerator, "sine")
	tap, err := e.CreateDestination(types.AnalysisTap, "spectrum")
	if err != nil {
		t.Fatal(err)
	}
	slot, ok := e.TapSlot(tap)
	if !ok {
		t.Fatal("tap has no slot")
	}
	e.Connect(src, tap, 1)
	e.Connect(src, h.Destination, 1)

	// 1500 Hz lands on bin 32 of a 1024-point FFT at 48 kHz.
	ring, _ := e.SourceRing(src)
	sine := make([]float32, 2048)
	for i := range sine {
		sine[i] = 0.5 * float32(math.Sin(2*math.Pi*1500*float64(i)/48000))
	}
	ring.Write(sine)
	nullStream(t, e, h.ID).Pump(4)

	e.analyze()
	e.mu.Lock()
	task := e.dests[tap].tap.inFlight
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := e.WaitTask(ctx, task)
	if err != nil || status.State != types.TaskCompleted {
		t.Fatalf("fft task: %+v, %v", status, err)
	}

	mags, ok := e.Spectrum(slot)
	if !ok || len(mags) != 513 {
		t.Fatalf("spectrum: %d bins, ok=%v", len(mags), ok)
	}
	peak := 0
	for i, m := range mags {
		if m > mags[peak] {
			peak = i
		}
	}
	if peak != 32 {
		t.Errorf("peak at bin %d, want 32", peak)
	}
	if math.Abs(float64(mags[32])-0.5) > 0.05 {
		t.Errorf("peak magnitude = %v, want about 0.5", mags[32])
	}
}

func TestSetEQBandPublishesCoefficients(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	band := dsp.Band{Frequency: 1000, GainDB: 6, Q: math.Sqrt2}
	id, err := e.SetEQBand(5, band)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st, err := e.WaitTask(ctx, id); err != nil || st.State != types.TaskCompleted {
		t.Fatalf("eq task: %+v, %v", st, err)
	}

	coeffs, version, ok := e.EQCoefficients()
	if !ok || version == 0 {
		t.Fatalf("eq not published: version %d ok %v", version, ok)
	}
	want, _ := dsp.Peaking(band, 48000)
	for k := range want {
		if math.Abs(float64(coeffs[5][k]-want[k])) > 1e-6 {
			t.Errorf("coefficient %d = %v, want %v", k, coeffs[5][k], want[k])
		}
	}
	if e.EQBands()[5] != band {
		t.Error("band not stored")
	}
	if _, err := e.SetEQBand(42, band); err == nil {
		t.Error("out of range band accepted")
	}
}

func TestEQUpdatesSettleOnLatestBands(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())

	var ids []types.TaskID
	for i := range 40 {
		band := dsp.Band{Frequency: 200 + float64(i*50), GainDB: float64(i%12) - 6, Q: 1}
		id, err := e.SetEQBand(i%10, band)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if _, err := e.WaitTask(ctx, id); err != nil {
			t.Fatalf("task %d: %v", id, err)
		}
	}

	want, err := dsp.Design(e.EQBands(), 48000)
	if err != nil {
		t.Fatal(err)
	}
	coeffs, _, ok := e.EQCoefficients()
	if !ok || len(coeffs) != len(want) {
		t.Fatalf("EQCoefficients: %d bands ok %v", len(coeffs), ok)
	}
	for b := range want {
		if dsp.Coefficients(coeffs[b]) != want[b] {
			t.Errorf("band %d: %v, want %v", b, coeffs[b], want[b])
		}
	}
}

func TestGeneratorProducerStopsWhenRemoved(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	p, err := e.StartGenerator(context.Background(), ToneSpec{Waveform: generator.Sine, Frequency: 440, Amplitude: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	ring, _ := e.SourceRing(p.Source)
	deadline := time.Now().Add(2 * time.Second)
	for ring.FillLevel() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ring.FillLevel() == 0 {
		t.Fatal("generator wrote nothing")
	}
	if ring.Overruns() != 0 {
		t.Error("generator overran its ring")
	}

	if err := e.RemoveSource(p.Source); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running")
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v", p.Err())
	}
}

func TestStartFileRejectsUnknownFormat(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	if _, err := e.StartFile(context.Background(), "notes.txt"); err == nil {
		t.Error("text file accepted")
	}
	if len(e.Router().Sources()) != 0 {
		t.Error("source left behind")
	}
}

func TestStartReaderDecodesRawPCM(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())

	pcm := make([]byte, 512*2)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 16384)
	}
	p, err := e.StartReader(context.Background(), "stdin", bytes.NewReader(pcm),
		stream.AudioFormat{SampleRate: 48000, Channels: 1, BytesPerSample: 2})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not finish")
	}
	if p.Err() != nil {
		t.Fatalf("Err() = %v", p.Err())
	}

	ring, _ := e.SourceRing(p.Source)
	if got := ring.FillLevel(); got != 512 {
		t.Fatalf("FillLevel() = %d, want 512", got)
	}
	out := make([]float32, 512)
	ring.Read(out)
	for i, v := range out {
		if v != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, v)
		}
	}
}

func TestStartReaderRejectsBadFormat(t *testing.T) {
	e := newTestEngine(t, backend.NewNullBackend(backend.NullConfig{}), monoConfig())
	_, err := e.StartReader(context.Background(), "stdin", bytes.NewReader(nil),
		stream.AudioFormat{SampleRate: 48000, Channels: 1, BytesPerSample: 5})
	if err == nil {
		t.Fatal("5-byte samples accepted")
	}
	if len(e.Router().Sources()) != 0 {
		t.Error("source left behind")
	}
}

// kindBackend presents a headless backend as another kind so a hybrid
// can hold two of them.
type kindBackend struct {
	*backend.NullBackend
	kind types.BackendKind
}

func (k kindBackend) Kind() types.BackendKind { return k.kind }
func (k kindBackend) Name() string            { return k.kind.String() }

func TestHybridFallbackMovesStreams(t *testing.T) {
	primary := kindBackend{backend.NewNullBackend(backend.NullConfig{}), types.BackendExclusiveMode}
	secondary := kindBackend{backend.NewNullBackend(backend.NullConfig{}), types.BackendSharedMode}
	h := backend.NewHybrid([]backend.Backend{primary, secondary}, backend.FallbackPolicy{Mode: backend.PolicyAutoOnError}, nil)

	cfg := DefaultConfig(monoConfig())
	cfg.Workers = 1
	cfg.HealthInterval = time.Hour
	e, err := New(h, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	sh, err := e.OpenStream("", monoConfig())
	if err != nil {
		t.Fatal(err)
	}
	if h.Active() != backend.Backend(primary) {
		t.Fatalf("active = %v", h.Active())
	}
	before, _ := e.Stream(sh.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	h.ReportFailure(backend.DeviceDisconnected, types.ErrDeviceUnavailable)
	deadline := time.Now().Add(2 * time.Second)
	for h.Active() != backend.Backend(secondary) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.Active() != backend.Backend(secondary) {
		t.Fatal("streams were not moved to the next backend")
	}
	after, _ := e.Stream(sh.ID)
	if after == before {
		t.Error("handle still points at the old stream")
	}
	if before.Status() != types.StreamStopped {
		t.Errorf("old stream status = %v", before.Status())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
