package backend

import (
	"encoding/binary"
	"math"

	"github.com/drgolem/audiorouter/pkg/types"
)

// maxChunks bounds how many engine buffers one device callback may ask
// for before the render loop starts reusing scratch in chunks.
const maxChunks = 4

// renderer adapts a float Callback to a device that wants encoded bytes.
// All buffers are sized at open time.
type renderer struct {
	base      *streamBase
	cb        Callback
	format    types.SampleFormat
	channels  int
	maxFrames int
	buf       []float32
}

func newRenderer(base *streamBase, cb Callback, format types.SampleFormat) *renderer {
	ch := int(base.cfg.Channels)
	frames := int(base.cfg.BufferSize) * maxChunks
	return &renderer{
		base:      base,
		cb:        cb,
		format:    format,
		channels:  ch,
		maxFrames: frames,
		buf:       make([]float32, frames*ch),
	}
}

// render fills out with frames frames. Paused or stopped streams play
// silence without calling the engine.
func (r *renderer) render(out []byte, frames int) {
	frameBytes := r.channels * r.format.BytesPerSample()
	if frames*frameBytes > len(out) {
		frames = len(out) / frameBytes
	}
	if r.base.Status() != types.StreamPlaying {
		clear(out[:frames*frameBytes])
		return
	}
	for frames > 0 {
		n := min(frames, r.maxFrames)
		samples := r.buf[:n*r.channels]
		if !r.call(samples) {
			clear(samples)
		}
		encode(out[:n*frameBytes], samples, r.format)
		out = out[n*frameBytes:]
		frames -= n
	}
}

// renderFloat is render for devices that take float32 slices directly.
func (r *renderer) renderFloat(out []float32) {
	if r.base.Status() != types.StreamPlaying {
		clear(out)
		return
	}
	for len(out) > 0 {
		n := min(len(out), len(r.buf))
		n -= n % r.channels
		if n == 0 {
			clear(out)
			return
		}
		if !r.call(out[:n]) {
			clear(out[:n])
		}
		out = out[n:]
	}
}

func (r *renderer) call(samples []float32) (ok bool) {
	defer func() {
		if recover() != nil {
			r.base.faults.Add(1)
			ok = false
		}
	}()
	r.cb(samples)
	return true
}

// capturer is the input-side counterpart of renderer.
type capturer struct {
	base      *streamBase
	cb        InputCallback
	format    types.SampleFormat
	channels  int
	maxFrames int
	buf       []float32
}

func newCapturer(base *streamBase, cb InputCallback, format types.SampleFormat) *capturer {
	ch := int(base.cfg.Channels)
	frames := int(base.cfg.BufferSize) * maxChunks
	return &capturer{
		base:      base,
		cb:        cb,
		format:    format,
		channels:  ch,
		maxFrames: frames,
		buf:       make([]float32, frames*ch),
	}
}

func (c *capturer) capture(in []byte, frames int) {
	if c.base.Status() != types.StreamPlaying {
		return
	}
	frameBytes := c.channels * c.format.BytesPerSample()
	if frames*frameBytes > len(in) {
		frames = len(in) / frameBytes
	}
	for frames > 0 {
		n := min(frames, c.maxFrames)
		samples := c.buf[:n*c.channels]
		decode(samples, in[:n*frameBytes], c.format)
		c.call(samples)
		in = in[n*frameBytes:]
		frames -= n
	}
}

func (c *capturer) call(samples []float32) {
	defer func() {
		if recover() != nil {
			c.base.faults.Add(1)
		}
	}()
	c.cb(samples)
}

// encode writes src as little-endian samples of format into dst.
func encode(dst []byte, src []float32, format types.SampleFormat) {
	switch format {
	case types.FormatInt16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(v)))
		}
	case types.FormatInt32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(floatToInt32(v)))
		}
	case types.FormatFloat32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	}
}

// decode is the inverse of encode.
func decode(dst []float32, src []byte, format types.SampleFormat) {
	switch format {
	case types.FormatInt16:
		for i := range dst {
			dst[i] = float32(int16(binary.LittleEndian.Uint16(src[i*2:]))) / 32768
		}
	case types.FormatInt32:
		for i := range dst {
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(src[i*4:]))) / 2147483648)
		}
	case types.FormatFloat32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
}

func floatToInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v != v:
		return 0
	}
	return int16(v * 32767)
}

func floatToInt32(v float32) int32 {
	switch {
	case v >= 1:
		return math.MaxInt32
	case v <= -1:
		return math.MinInt32
	case v != v:
		return 0
	}
	return int32(float64(v) * 2147483647)
}
