// Package generator produces test signals for SignalGenerator sources.
package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Waveform selects the oscillator shape.
type Waveform int

const (
	Sine Waveform = iota
	Square
	Sawtooth
	Triangle
	WhiteNoise
	Silence
)

var waveformNames = [...]string{"sine", "square", "sawtooth", "triangle", "noise", "silence"}

func (w Waveform) String() string {
	if int(w) < len(waveformNames) {
		return waveformNames[w]
	}
	return fmt.Sprintf("Waveform(%d)", int(w))
}

// ParseWaveform accepts the names produced by Waveform.String.
func ParseWaveform(s string) (Waveform, error) {
	for i, n := range waveformNames {
		if n == s {
			return Waveform(i), nil
		}
	}
	return 0, fmt.Errorf("unknown waveform %q", s)
}

// Generator is a phase-continuous oscillator writing interleaved frames
// with the same value on every channel. It is not safe for concurrent use.
type Generator struct {
	wave       Waveform
	freq       float64
	amp        float32
	channels   int
	sampleRate float64
	phase      float64 // [0, 1)
	rng        *rand.Rand
}

// New creates a generator. Amplitude is linear full scale.
func New(wave Waveform, freq float64, amplitude float32, channels int, sampleRate uint32) (*Generator, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channels must be positive")
	}
	if sampleRate == 0 {
		return nil, fmt.Errorf("sample rate must be positive")
	}
	if wave != WhiteNoise && wave != Silence && (freq <= 0 || freq >= float64(sampleRate)/2) {
		return nil, fmt.Errorf("frequency %.1f Hz outside (0, %d)", freq, sampleRate/2)
	}
	return &Generator{
		wave:       wave,
		freq:       freq,
		amp:        amplitude,
		channels:   channels,
		sampleRate: float64(sampleRate),
		rng:        rand.New(rand.NewPCG(uint64(freq*1000), 0x5eed)),
	}, nil
}

// Channels returns the output channel count.
func (g *Generator) Channels() int { return g.channels }

// Fill writes len(out)/channels frames into out.
func (g *Generator) Fill(out []float32) {
	step := g.freq / g.sampleRate
	frames := len(out) / g.channels
	for f := 0; f < frames; f++ {
		v := g.amp * g.sample()
		for ch := 0; ch < g.channels; ch++ {
			out[f*g.channels+ch] = v
		}
		g.phase += step
		if g.phase >= 1 {
			g.phase -= math.Floor(g.phase)
		}
	}
}

func (g *Generator) sample() float32 {
	p := g.phase
	switch g.wave {
	case Sine:
		return float32(math.Sin(2 * math.Pi * p))
	case Square:
		if p < 0.5 {
			return 1
		}
		return -1
	case Sawtooth:
		return float32(2*p - 1)
	case Triangle:
		if p < 0.5 {
			return float32(4*p - 1)
		}
		return float32(3 - 4*p)
	case WhiteNoise:
		return float32(2*g.rng.Float64() - 1)
	default:
		return 0
	}
}

// Writer is the ring a generator feeds.
type Writer interface {
	Write(p []float32) int
	AvailableWrite() int
}

// Run fills w block by block until ctx is done, waiting for room instead
// of overrunning. blockFrames sets the write granularity.
func (g *Generator) Run(ctx context.Context, w Writer, blockFrames int) error {
	block := make([]float32, blockFrames*g.channels)
	blockDur := time.Duration(float64(blockFrames) / g.sampleRate * float64(time.Second))
	poll := max(blockDur/4, time.Millisecond)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		for w.AvailableWrite() >= len(block) {
			g.Fill(block)
			w.Write(block)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
