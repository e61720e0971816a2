// Package meter implements lock-free per-channel peak and RMS metering
// that the real-time callback can update while UI goroutines read.
package meter

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeConstant is the RMS integration time.
	DefaultTimeConstant = 300 * time.Millisecond
	// DefaultPeakHold is how long a peak is held before the window restarts.
	DefaultPeakHold = time.Second
)

// Config parameterizes a Meter.
type Config struct {
	Channels     int
	SampleRate   uint32
	TimeConstant time.Duration
	PeakHold     time.Duration
}

// Meter keeps per-channel peak and RMS values. Each value is the bit
// pattern of a float32 stored in an atomic.Uint32.
//
// Thread Safety Model:
//   - Process() is called by a single writer (the audio callback)
//   - Peak(), RMS(), Levels() and ResetPeaks() may be called from any goroutine
//
// Peak is raised with a compare-and-swap loop so a concurrent ResetPeaks
// is never lost. RMS has a single writer and is loaded once per block,
// integrated locally, then stored.
type Meter struct {
	channels int
	alpha    float64
	holdLen  uint64 // samples per channel in one peak window

	peak []atomic.Uint32
	rms  []atomic.Uint32

	// writer-owned
	sinceWindow uint64
}

// New creates a meter. Zero TimeConstant and PeakHold take the defaults.
func New(cfg Config) *Meter {
	if cfg.Channels < 1 {
		cfg.Channels = 1
	}
	if cfg.TimeConstant <= 0 {
		cfg.TimeConstant = DefaultTimeConstant
	}
	if cfg.PeakHold <= 0 {
		cfg.PeakHold = DefaultPeakHold
	}
	return &Meter{
		channels: cfg.Channels,
		alpha:    Alpha(cfg.TimeConstant, cfg.SampleRate),
		holdLen:  uint64(cfg.PeakHold.Seconds() * float64(cfg.SampleRate)),
		peak:     make([]atomic.Uint32, cfg.Channels),
		rms:      make([]atomic.Uint32, cfg.Channels),
	}
}

// Alpha returns the per-sample EMA coefficient for time constant tau:
// 1 - exp(-1/(tau*fs)).
func Alpha(tau time.Duration, sampleRate uint32) float64 {
	if tau <= 0 || sampleRate == 0 {
		return 1
	}
	return 1 - math.Exp(-1/(tau.Seconds()*float64(sampleRate)))
}

// Channels returns the channel count.
func (m *Meter) Channels() int {
	return m.channels
}

// Process meters a block of interleaved samples. It does not allocate.
func (m *Meter) Process(samples []float32) {
	frames := len(samples) / m.channels
	if frames == 0 {
		return
	}

	newWindow := m.holdLen > 0 && m.sinceWindow >= m.holdLen
	if newWindow {
		m.sinceWindow = 0
	}
	m.sinceWindow += uint64(frames)

	a := m.alpha
	for ch := 0; ch < m.channels; ch++ {
		old := float64(math.Float32frombits(m.rms[ch].Load()))
		ms := old * old
		var blockPeak float32
		for i := ch; i < frames*m.channels; i += m.channels {
			s := samples[i]
			if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
				continue
			}
			abs := s
			if abs < 0 {
				abs = -abs
			}
			if abs > blockPeak {
				blockPeak = abs
			}
			ms = ms*(1-a) + float64(s)*float64(s)*a
		}
		m.rms[ch].Store(math.Float32bits(float32(math.Sqrt(ms))))

		if newWindow {
			m.peak[ch].Store(math.Float32bits(blockPeak))
		} else {
			m.raisePeak(ch, blockPeak)
		}
	}
}

func (m *Meter) raisePeak(ch int, v float32) {
	bits := math.Float32bits(v)
	for {
		cur := m.peak[ch].Load()
		if math.Float32frombits(cur) >= v {
			return
		}
		if m.peak[ch].CompareAndSwap(cur, bits) {
			return
		}
	}
}

// Peak returns the held absolute peak of channel ch.
func (m *Meter) Peak(ch int) float32 {
	if ch < 0 || ch >= m.channels {
		return 0
	}
	return math.Float32frombits(m.peak[ch].Load())
}

// RMS returns the smoothed RMS of channel ch.
func (m *Meter) RMS(ch int) float32 {
	if ch < 0 || ch >= m.channels {
		return 0
	}
	return math.Float32frombits(m.rms[ch].Load())
}

// Level is a per-channel reading.
type Level struct {
	Peak float32 `json:"peak"`
	RMS  float32 `json:"rms"`
}

// Levels snapshots every channel. Values may be up to one block stale.
func (m *Meter) Levels() []Level {
	out := make([]Level, m.channels)
	for ch := range out {
		out[ch] = Level{Peak: m.Peak(ch), RMS: m.RMS(ch)}
	}
	return out
}

// ResetPeaks clears held peaks.
func (m *Meter) ResetPeaks() {
	for ch := range m.peak {
		m.peak[ch].Store(0)
	}
}

// Decibels converts a linear amplitude to dBFS, floored at -120.
func Decibels(v float32) float64 {
	if v <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(float64(v))
}
