// Package dsp holds the signal processing kernels run by pool workers:
// magnitude spectra, parametric EQ and block effects.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer computes Hann-windowed magnitude spectra of a fixed size. An
// Analyzer keeps its FFT plan and scratch buffers, so each worker owns
// its own.
type Analyzer struct {
	size   int
	fft    *fourier.FFT
	window []float64
	in     []float64
	coeffs []complex128
}

// NewAnalyzer creates an analyzer for size-point transforms. size must be
// a power of 2 of at least 16.
func NewAnalyzer(size int) (*Analyzer, error) {
	if size < 16 || size&(size-1) != 0 {
		return nil, fmt.Errorf("fft size %d is not a power of 2 >= 16", size)
	}
	return &Analyzer{
		size:   size,
		fft:    fourier.NewFFT(size),
		window: HannWindow(size),
		in:     make([]float64, size),
		coeffs: make([]complex128, size/2+1),
	}, nil
}

// Size returns the transform length.
func (a *Analyzer) Size() int { return a.size }

// Bins returns the number of magnitude bins, size/2+1.
func (a *Analyzer) Bins() int { return a.size/2 + 1 }

// Magnitudes downmixes the last Size frames of interleaved samples to mono,
// windows them and writes linear magnitudes into dst, which must hold
// Bins values. Fewer frames than Size are zero padded at the front.
// Magnitudes are scaled so a full-scale sine reads about 1.0.
func (a *Analyzer) Magnitudes(samples []float32, channels int, dst []float32) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	start := max(frames-a.size, 0)
	pad := a.size - (frames - start)

	clear(a.in[:pad])
	for f := start; f < frames; f++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(samples[f*channels+ch])
		}
		i := pad + f - start
		a.in[i] = sum / float64(channels) * a.window[i]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.in)

	// Hann coherent gain is 0.5.
	scale := 2 / (float64(a.size) * 0.5)
	if len(dst) < a.Bins() {
		dst = make([]float32, a.Bins())
	}
	for i, c := range a.coeffs {
		dst[i] = float32(cmplx.Abs(c) * scale)
	}
	return dst[:a.Bins()]
}

// BinFrequency returns the centre frequency of bin i.
func (a *Analyzer) BinFrequency(i int, sampleRate uint32) float64 {
	return float64(i) * float64(sampleRate) / float64(a.size)
}

// HannWindow returns a periodic Hann window of length n.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
