package router

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/drgolem/audiorouter/pkg/ringbuffer"
	"github.com/drgolem/audiorouter/pkg/types"
)

func monoConfig(frames uint32) types.AudioConfig {
	return types.AudioConfig{SampleRate: 48000, Channels: 1, Format: types.FormatFloat32, BufferSize: frames}
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// countingTap records how often the router reads it.
type countingTap struct {
	*ringbuffer.RingBuffer
	reads int
}

func (c *countingTap) Read(p []float32) int {
	c.reads++
	return c.RingBuffer.Read(p)
}

func TestSoftClipIdentityInsideThreshold(t *testing.T) {
	for i := -900; i <= 900; i++ {
		x := float32(i) / 1000
		if got := SoftClip(x); got != x {
			t.Fatalf("SoftClip(%v) = %v, want identity", x, got)
		}
	}
}

func TestSoftClipBounded(t *testing.T) {
	prev := float32(-1)
	for i := -100000; i <= 100000; i++ {
		x := float32(i) / 100 // [-1000, 1000]
		y := SoftClip(x)
		if y > 1 || y < -1 {
			t.Fatalf("SoftClip(%v) = %v out of [-1, 1]", x, y)
		}
		if y < prev {
			t.Fatalf("SoftClip not monotonic at %v: %v < %v", x, y, prev)
		}
		prev = y
	}

	for _, x := range []float32{float32(math.Inf(1)), float32(math.Inf(-1)), math.MaxFloat32} {
		if y := SoftClip(x); y > 1 || y < -1 {
			t.Errorf("SoftClip(%v) = %v", x, y)
		}
	}
	if y := SoftClip(float32(math.NaN())); y != 0 {
		t.Errorf("SoftClip(NaN) = %v, want 0", y)
	}
}

func TestSoftClipCurve(t *testing.T) {
	tests := []struct {
		in   float32
		want float64
	}{
		{0.9, 0.9},
		{1.0, 0.9 + 0.1*1.0/2.0},
		{2.0, 0.9 + 0.1*11.0/12.0},
		{-2.0, -(0.9 + 0.1*11.0/12.0)},
	}
	for _, tt := range tests {
		if got := SoftClip(tt.in); math.Abs(float64(got)-tt.want) > 1e-6 {
			t.Errorf("SoftClip(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClampGain(t *testing.T) {
	tests := []struct {
		in, want float32
	}{
		{-1, 0},
		{0, 0},
		{1.5, 1.5},
		{4, 4},
		{100, 4},
		{float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		if got := ClampGain(tt.in); got != tt.want {
			t.Errorf("ClampGain(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUnityGainSumsInputs(t *testing.T) {
	r := New(monoConfig(4))
	a, b := ringbuffer.New(16), ringbuffer.New(16)
	out := ringbuffer.New(16)

	sa, _ := r.AddSource(types.SignalGenerator, "a", a)
	sb, _ := r.AddSource(types.FileDecoder, "b", b)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	if _, err := r.Connect(sa, d, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Connect(sb, d, 1); err != nil {
		t.Fatal(err)
	}

	av := []float32{0.1, 0.2, -0.3, 0.4}
	bv := []float32{0.05, -0.2, 0.1, 0.3}
	a.Write(av)
	b.Write(bv)
	r.Process(4)

	got := make([]float32, 4)
	out.Read(got)
	for i := range av {
		want := av[i] + bv[i]
		if got[i] != want {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want)
		}
	}
}

func TestZeroGainMutesRoute(t *testing.T) {
	r := New(monoConfig(4))
	loud, quiet := ringbuffer.New(16), ringbuffer.New(16)
	out := ringbuffer.New(16)

	sl, _ := r.AddSource(types.SignalGenerator, "loud", loud)
	sq, _ := r.AddSource(types.SignalGenerator, "quiet", quiet)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	r.Connect(sl, d, 0)
	rq, _ := r.Connect(sq, d, 1)

	loud.Write(filled(4, 0.8))
	quiet.Write(filled(4, 0.25))
	r.Process(4)

	got := make([]float32, 4)
	out.Read(got)
	for i, v := range got {
		if v != 0.25 {
			t.Errorf("sample %d: got %v, want 0.25", i, v)
		}
	}

	// Muting behaves the same as zero gain.
	r.SetMuted(rq, true)
	quiet.Write(filled(4, 0.25))
	r.Process(4)
	out.Read(got)
	for i, v := range got {
		if v != 0 {
			t.Errorf("muted sample %d: got %v, want 0", i, v)
		}
	}
}

func TestFanOutReadsSourceOnce(t *testing.T) {
	r := New(monoConfig(8))
	tap := &countingTap{RingBuffer: ringbuffer.New(64)}
	out1, out2 := ringbuffer.New(64), ringbuffer.New(64)

	s, _ := r.AddSource(types.InputDevice, "mic", tap)
	d1, _ := r.AddDestination(types.OutputDevice, "speakers", out1)
	d2, _ := r.AddDestination(types.Encoder, "recorder", out2)
	r.Connect(s, d1, 1)
	r.Connect(s, d2, 0.5)

	tap.Write(filled(8, 0.5))
	r.Process(8)

	if tap.reads != 1 {
		t.Errorf("source read %d times, want 1", tap.reads)
	}
	a, b := make([]float32, 8), make([]float32, 8)
	out1.Read(a)
	out2.Read(b)
	if a[0] != 0.5 || b[0] != 0.25 {
		t.Errorf("fan-out outputs: %v and %v", a[0], b[0])
	}
}

func TestDisabledRouteDoesNotDrainSource(t *testing.T) {
	r := New(monoConfig(4))
	src := ringbuffer.New(16)
	out := ringbuffer.New(16)
	s, _ := r.AddSource(types.FileDecoder, "file", src)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	rt, _ := r.Connect(s, d, 1)
	r.SetEnabled(rt, false)

	src.Write(filled(4, 0.5))
	r.Process(4)
	if src.FillLevel() != 4 {
		t.Errorf("disabled route drained source: fill %d", src.FillLevel())
	}
	// The destination still receives a silent buffer.
	if out.FillLevel() != 4 {
		t.Errorf("destination fill: got %d, want 4", out.FillLevel())
	}
}

func TestEndpointGains(t *testing.T) {
	r := New(monoConfig(2))
	src, out := ringbuffer.New(8), ringbuffer.New(8)
	s, _ := r.AddSource(types.SignalGenerator, "gen", src)
	d, _ := r.AddDestination(types.AnalysisTap, "tap", out)
	r.Connect(s, d, 1)

	if err := r.SetSourceGain(s, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDestinationGain(d, 0.5); err != nil {
		t.Fatal(err)
	}
	src.Write([]float32{0.8, -0.8})
	r.Process(2)

	got := make([]float32, 2)
	out.Read(got)
	if got[0] != 0.2 || got[1] != -0.2 {
		t.Errorf("got %v, want [0.2 -0.2]", got)
	}
}

func TestUnderrunningSourceContributesSilence(t *testing.T) {
	r := New(monoConfig(4))
	src, out := ringbuffer.New(16), ringbuffer.New(16)
	s, _ := r.AddSource(types.FileDecoder, "file", src)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	r.Connect(s, d, 1)

	src.Write([]float32{0.5, 0.5})
	r.Process(4)

	got := make([]float32, 4)
	out.Read(got)
	if got[0] != 0.5 || got[2] != 0 || got[3] != 0 {
		t.Errorf("got %v", got)
	}
	if src.Underruns() != 1 {
		t.Errorf("source underruns: got %d, want 1", src.Underruns())
	}
}

func TestProcessChunksLargeRequests(t *testing.T) {
	r := New(monoConfig(4))
	src, out := ringbuffer.New(64), ringbuffer.New(64)
	s, _ := r.AddSource(types.SignalGenerator, "gen", src)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	r.Connect(s, d, 1)

	in := make([]float32, 10)
	for i := range in {
		in[i] = float32(i) / 20
	}
	src.Write(in)
	r.Process(10)

	got := make([]float32, 10)
	if n := out.Read(got); n != 10 {
		t.Fatalf("read %d samples, want 10", n)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestConnectValidation(t *testing.T) {
	r := New(monoConfig(4))
	s, _ := r.AddSource(types.SignalGenerator, "gen", ringbuffer.New(8))
	d, _ := r.AddDestination(types.OutputDevice, "out", ringbuffer.New(8))

	if _, err := r.Connect(s+100, d, 1); !errors.Is(err, types.ErrUnknownEndpoint) {
		t.Errorf("unknown source: got %v", err)
	}
	if _, err := r.Connect(s, d+100, 1); !errors.Is(err, types.ErrUnknownEndpoint) {
		t.Errorf("unknown destination: got %v", err)
	}
	if _, err := r.Connect(s, d, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := r.Connect(s, d, 1); !errors.Is(err, types.ErrDuplicateRoute) {
		t.Errorf("duplicate route: got %v", err)
	}
	if _, err := r.AddSource(types.OutputDevice, "bad", ringbuffer.New(8)); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Errorf("destination kind as source: got %v", err)
	}
	if _, err := r.AddDestination(types.FileDecoder, "bad", ringbuffer.New(8)); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Errorf("source kind as destination: got %v", err)
	}
	if err := r.SetGain(999, 1); !errors.Is(err, types.ErrUnknownRoute) {
		t.Errorf("unknown route: got %v", err)
	}
}

func TestRemovingEndpointPrunesRoutes(t *testing.T) {
	r := New(monoConfig(4))
	s1, _ := r.AddSource(types.SignalGenerator, "a", ringbuffer.New(8))
	s2, _ := r.AddSource(types.SignalGenerator, "b", ringbuffer.New(8))
	d1, _ := r.AddDestination(types.OutputDevice, "out", ringbuffer.New(8))
	d2, _ := r.AddDestination(types.Encoder, "rec", ringbuffer.New(8))
	r.Connect(s1, d1, 1)
	r.Connect(s1, d2, 1)
	r.Connect(s2, d1, 1)

	if err := r.RemoveSource(s1); err != nil {
		t.Fatal(err)
	}
	if got := len(r.Routes()); got != 1 {
		t.Errorf("routes after removing source: got %d, want 1", got)
	}
	if err := r.RemoveDestination(d1); err != nil {
		t.Fatal(err)
	}
	if got := len(r.Routes()); got != 0 {
		t.Errorf("routes after removing destination: got %d, want 0", got)
	}
	if err := r.RemoveSource(s1); !errors.Is(err, types.ErrUnknownEndpoint) {
		t.Errorf("second removal: got %v", err)
	}
}

func TestRouteQueries(t *testing.T) {
	r := New(monoConfig(4))
	s1, _ := r.AddSource(types.SignalGenerator, "a", ringbuffer.New(8))
	s2, _ := r.AddSource(types.SignalGenerator, "b", ringbuffer.New(8))
	d, _ := r.AddDestination(types.OutputDevice, "out", ringbuffer.New(8))
	rt, _ := r.Connect(s1, d, 9)
	r.Connect(s2, d, 1)

	got, ok := r.Route(rt)
	if !ok || got.Gain != MaxGain {
		t.Errorf("Route: %+v %v, want gain clamped to %v", got, ok, MaxGain)
	}
	if n := len(r.RoutesForSource(s1)); n != 1 {
		t.Errorf("RoutesForSource: %d", n)
	}
	if n := len(r.RoutesForDestination(d)); n != 2 {
		t.Errorf("RoutesForDestination: %d", n)
	}

	r.ClearRoutes()
	if len(r.Routes()) != 0 || len(r.Sources()) != 2 {
		t.Errorf("ClearRoutes: %d routes, %d sources", len(r.Routes()), len(r.Sources()))
	}
	r.ClearAll()
	if len(r.Sources()) != 0 || len(r.Destinations()) != 0 {
		t.Errorf("ClearAll left endpoints")
	}
}

func TestMutationConcurrentWithProcess(t *testing.T) {
	r := New(monoConfig(64))
	src := ringbuffer.New(1 << 16)
	out := ringbuffer.New(1 << 16)
	s, _ := r.AddSource(types.SignalGenerator, "gen", src)
	d, _ := r.AddDestination(types.OutputDevice, "out", out)
	rt, _ := r.Connect(s, d, 1)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]float32, 64)
		for {
			select {
			case <-stop:
				return
			default:
			}
			src.Write(filled(64, 0.5))
			r.Process(64)
			out.Read(buf)
			for _, v := range buf {
				if v != 0 && v != 0.5 && v != 0.25 {
					t.Errorf("torn gain observed: %v", v)
					return
				}
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		g := float32(1)
		if i%2 == 1 {
			g = 0.5
		}
		r.SetGain(rt, g)
	}
	close(stop)
	wg.Wait()
}

func TestEndToEndSaturation(t *testing.T) {
	cfg := types.AudioConfig{SampleRate: 48000, Channels: 1, Format: types.FormatFloat32, BufferSize: 512}
	r := New(cfg)
	src := ringbuffer.New(1024)
	dst := ringbuffer.New(1024)

	s, _ := r.AddSource(types.SignalGenerator, "ones", src)
	d, _ := r.AddDestination(types.OutputDevice, "out", dst)
	if _, err := r.Connect(s, d, 2.0); err != nil {
		t.Fatal(err)
	}

	if n := src.Write(filled(512, 1)); n != 512 {
		t.Fatalf("wrote %d samples", n)
	}
	r.Process(512)

	want := SoftClip(2.0)
	if math.Abs(float64(want)-(0.9+0.1*11.0/12.0)) > 1e-6 {
		t.Fatalf("SoftClip(2.0) = %v", want)
	}
	got := make([]float32, 512)
	if n := dst.Read(got); n != 512 {
		t.Fatalf("destination holds %d samples, want 512", n)
	}
	for i, v := range got {
		if v != want {
			t.Fatalf("sample %d: got %v, want %v", i, v, want)
		}
	}
}
