package dsp

import (
	"fmt"
	"math"
)

// Band is one peaking EQ band.
type Band struct {
	Frequency float64 `json:"frequency" yaml:"frequency"` // Hz
	GainDB    float64 `json:"gain_db" yaml:"gain_db"`
	Q         float64 `json:"q" yaml:"q"`
}

// Coefficients are normalized biquad coefficients (a0 = 1) in the order
// b0 b1 b2 a1 a2.
type Coefficients [5]float32

// Identity passes the signal unchanged.
var Identity = Coefficients{1, 0, 0, 0, 0}

// DefaultBands is a ten-band graphic EQ layout, flat.
func DefaultBands() []Band {
	freqs := []float64{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}
	bands := make([]Band, len(freqs))
	for i, f := range freqs {
		bands[i] = Band{Frequency: f, Q: math.Sqrt2}
	}
	return bands
}

// Peaking designs a peaking filter (Audio EQ Cookbook). Bands at or above
// Nyquist, or with zero gain, become the identity.
func Peaking(b Band, sampleRate uint32) (Coefficients, error) {
	if sampleRate == 0 {
		return Identity, fmt.Errorf("sample rate must be positive")
	}
	if b.Q <= 0 {
		return Identity, fmt.Errorf("band %.0f Hz: Q must be positive", b.Frequency)
	}
	fs := float64(sampleRate)
	if b.Frequency <= 0 || b.Frequency >= fs/2 || b.GainDB == 0 {
		return Identity, nil
	}

	A := math.Pow(10, b.GainDB/40)
	w0 := 2 * math.Pi * b.Frequency / fs
	alpha := math.Sin(w0) / (2 * b.Q)
	cosw := math.Cos(w0)

	b0 := 1 + alpha*A
	b1 := -2 * cosw
	b2 := 1 - alpha*A
	a0 := 1 + alpha/A
	a1 := -2 * cosw
	a2 := 1 - alpha/A

	return Coefficients{
		float32(b0 / a0),
		float32(b1 / a0),
		float32(b2 / a0),
		float32(a1 / a0),
		float32(a2 / a0),
	}, nil
}

// Design returns one set of coefficients per band.
func Design(bands []Band, sampleRate uint32) ([]Coefficients, error) {
	out := make([]Coefficients, len(bands))
	for i, b := range bands {
		c, err := Peaking(b, sampleRate)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// MagnitudeAt evaluates a filter's gain at frequency f.
func (c Coefficients) MagnitudeAt(f float64, sampleRate uint32) float64 {
	w := 2 * math.Pi * f / float64(sampleRate)
	z1 := complex(math.Cos(-w), math.Sin(-w))
	z2 := z1 * z1
	num := complex(float64(c[0]), 0) + complex(float64(c[1]), 0)*z1 + complex(float64(c[2]), 0)*z2
	den := 1 + complex(float64(c[3]), 0)*z1 + complex(float64(c[4]), 0)*z2
	return cmplxAbs(num / den)
}

func cmplxAbs(z complex128) float64 { return math.Hypot(real(z), imag(z)) }

// Chain is a cascade of biquads with per-channel state (direct form I).
type Chain struct {
	coeffs   []Coefficients
	channels int
	state    [][4]float64 // per band*channel: x1 x2 y1 y2
}

// NewChain builds a filter cascade for interleaved audio.
func NewChain(coeffs []Coefficients, channels int) *Chain {
	channels = max(channels, 1)
	return &Chain{
		coeffs:   coeffs,
		channels: channels,
		state:    make([][4]float64, len(coeffs)*channels),
	}
}

// Process filters interleaved samples in place.
func (c *Chain) Process(samples []float32) {
	for b, k := range c.coeffs {
		b0, b1, b2 := float64(k[0]), float64(k[1]), float64(k[2])
		a1, a2 := float64(k[3]), float64(k[4])
		for ch := 0; ch < c.channels; ch++ {
			st := &c.state[b*c.channels+ch]
			for i := ch; i < len(samples); i += c.channels {
				x := float64(samples[i])
				y := b0*x + b1*st[0] + b2*st[1] - a1*st[2] - a2*st[3]
				st[1], st[0] = st[0], x
				st[3], st[2] = st[2], y
				samples[i] = float32(y)
			}
		}
	}
}
