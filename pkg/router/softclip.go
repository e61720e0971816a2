package router

import "math"

const (
	// DefaultClipThreshold is the level below which SoftClip is the identity.
	DefaultClipThreshold = 0.9

	// MaxGain bounds route and endpoint gains.
	MaxGain = 4.0
)

// Clipper is a soft saturation curve with a linear region of
// [-Threshold, Threshold]. Above the threshold the excess is compressed by
// a rational knee
//
//	d = (|x| - T) / (1 - T)
//	y = sign(x) * (T + (1 - T) * d / (1 + d))
//
// which meets the linear region with matching slope and approaches 1
// without reaching it.
type Clipper struct {
	Threshold float32
}

// NewClipper returns a clipper with the given threshold, or the default
// when threshold is outside (0, 1).
func NewClipper(threshold float32) Clipper {
	if !(threshold > 0 && threshold < 1) {
		threshold = DefaultClipThreshold
	}
	return Clipper{Threshold: threshold}
}

// Apply clips one sample. NaN becomes silence.
func (c Clipper) Apply(x float32) float32 {
	t := c.Threshold
	switch {
	case x != x:
		return 0
	case x >= -t && x <= t:
		return x
	}

	abs := math.Abs(float64(x))
	th := float64(t)
	d := (abs - th) / (1 - th)
	var y float64
	if math.IsInf(d, 1) {
		y = 1
	} else {
		y = th + (1-th)*d/(1+d)
	}
	if x < 0 {
		y = -y
	}
	return float32(y)
}

// Process clips buf in place.
func (c Clipper) Process(buf []float32) {
	t := c.Threshold
	for i, x := range buf {
		if x >= -t && x <= t {
			continue
		}
		buf[i] = c.Apply(x)
	}
}

// SoftClip applies the default curve.
func SoftClip(x float32) float32 {
	return Clipper{Threshold: DefaultClipThreshold}.Apply(x)
}

// ClampGain limits g to [0, MaxGain]; NaN becomes 0.
func ClampGain(g float32) float32 {
	switch {
	case g != g, g < 0:
		return 0
	case g > MaxGain:
		return MaxGain
	}
	return g
}
