package dsp

import (
	"fmt"
	"math"
)

// Effect selects a block effect for ProcessAudio tasks.
type Effect int

const (
	EffectGain Effect = iota
	EffectNormalize
	EffectReverb
	EffectDelay
	EffectChorus
	EffectDistortion
	EffectEQ
)

func (e Effect) String() string {
	switch e {
	case EffectGain:
		return "gain"
	case EffectNormalize:
		return "normalize"
	case EffectReverb:
		return "reverb"
	case EffectDelay:
		return "delay"
	case EffectChorus:
		return "chorus"
	case EffectDistortion:
		return "distortion"
	case EffectEQ:
		return "eq"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

// ParseEffect accepts the names produced by Effect.String.
func ParseEffect(s string) (Effect, error) {
	for e := EffectGain; e <= EffectEQ; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown effect %q", s)
}

const (
	reverbDelayFrames = 100
	reverbFeedback    = 0.3
	echoDelayFrames   = 1000
	echoFeedback      = 0.5
)

// Gain scales samples in place.
func Gain(samples []float32, g float32) {
	for i := range samples {
		samples[i] *= g
	}
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Normalize scales samples so their RMS equals target. Silence is left
// unchanged. It returns the applied gain.
func Normalize(samples []float32, target float64) float64 {
	rms := RMS(samples)
	if rms == 0 {
		return 1
	}
	g := target / rms
	Gain(samples, float32(g))
	return g
}

// echo adds a delayed copy of the block's own input, per channel. Effects
// are applied per block: the first delay frames of a block see no echo.
func echo(samples []float32, channels, delayFrames int, amount float32) {
	d := delayFrames * channels
	if d >= len(samples) {
		return
	}
	// Walk backwards so every tap reads unmodified input.
	for i := len(samples) - 1; i >= d; i-- {
		samples[i] += samples[i-d] * amount
	}
}

// Reverb is a single short reflection.
func Reverb(samples []float32, channels int) {
	echo(samples, channels, reverbDelayFrames, reverbFeedback)
}

// Delay is a single long echo.
func Delay(samples []float32, channels int) {
	echo(samples, channels, echoDelayFrames, echoFeedback)
}

// Chorus mixes in a copy delayed by a slowly modulated 5-15 ms.
func Chorus(samples []float32, channels int, sampleRate uint32) {
	if sampleRate == 0 {
		return
	}
	frames := len(samples) / channels
	dry := make([]float32, len(samples))
	copy(dry, samples)

	fs := float64(sampleRate)
	const rateHz, mix = 0.8, 0.5
	for f := 0; f < frames; f++ {
		delay := (0.010 + 0.005*math.Sin(2*math.Pi*rateHz*float64(f)/fs)) * fs
		pos := float64(f) - delay
		if pos < 0 {
			continue
		}
		i0 := int(pos)
		frac := float32(pos - float64(i0))
		for ch := 0; ch < channels; ch++ {
			a := dry[i0*channels+ch]
			b := dry[min(i0+1, frames-1)*channels+ch]
			samples[f*channels+ch] = dry[f*channels+ch]*(1-mix) + (a+(b-a)*frac)*mix
		}
	}
}

// Distortion is tanh waveshaping. Output is scaled so full scale stays at
// full scale for any drive.
func Distortion(samples []float32, drive float32) {
	if drive <= 0 {
		drive = 4
	}
	norm := float32(math.Tanh(float64(drive)))
	for i, s := range samples {
		samples[i] = float32(math.Tanh(float64(s*drive))) / norm
	}
}
