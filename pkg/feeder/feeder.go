// Package feeder decodes a file into a FileDecoder source ring.
//
// Decoded PCM is normalized to float32 at full source resolution,
// resampled to the engine rate with SoXR when the rates differ, staged in
// a byte ring, and finally mapped to the engine's channel count. The source ring is
// the only thing shared with the realtime side.
package feeder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/drgolem/ringbuffer"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Writer is the float ring a feeder fills.
type Writer interface {
	Write(p []float32) int
	AvailableWrite() int
}

// Config controls buffering and conversion.
type Config struct {
	SampleRate  uint32 // engine rate
	Channels    int    // engine channels
	ChunkFrames int    // frames decoded per call
	StageBytes  uint64 // byte ring between resampler and converter
	Quality     int    // soxr quality constant
	Poll        time.Duration
}

// DefaultConfig matches the engine's default audio config.
func DefaultConfig() Config {
	return Config{
		SampleRate:  44100,
		Channels:    2,
		ChunkFrames: 4 * 1024,
		StageBytes:  256 * 1024,
		Quality:     soxr.HighQ,
		Poll:        2 * time.Millisecond,
	}
}

// Feeder moves one decoder's output into a source ring.
type Feeder struct {
	cfg       Config
	dec       types.AudioDecoder
	out       Writer
	log       *slog.Logger
	inRate    int
	inCh      int
	inBits    int
	stage     *ringbuffer.RingBuffer
	resampler *soxr.Resampler
	ctx       context.Context

	decoded  []byte
	pcm      []byte
	scratch  []byte
	frames   []float32
	written  atomic.Uint64
	finished atomic.Bool
}

// New prepares a feeder for an opened decoder.
func New(dec types.AudioDecoder, out Writer, cfg Config, log *slog.Logger) (*Feeder, error) {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ChunkFrames <= 0 {
		cfg.ChunkFrames = def.ChunkFrames
	}
	if cfg.StageBytes == 0 {
		cfg.StageBytes = def.StageBytes
	}
	if cfg.Quality == 0 {
		cfg.Quality = def.Quality
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	if cfg.Channels < 1 || cfg.SampleRate == 0 {
		return nil, fmt.Errorf("feeder: invalid output format %d Hz x %d", cfg.SampleRate, cfg.Channels)
	}

	rate, ch, bits := dec.GetFormat()
	switch bits {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("feeder: unsupported bits per sample %d", bits)
	}
	if rate <= 0 || ch <= 0 {
		return nil, fmt.Errorf("feeder: decoder reports %d Hz x %d", rate, ch)
	}

	f := &Feeder{
		cfg:     cfg,
		dec:     dec,
		out:     out,
		log:     log.With("component", "feeder"),
		inRate:  rate,
		inCh:    ch,
		inBits:  bits,
		stage:   ringbuffer.New(cfg.StageBytes),
		decoded: make([]byte, cfg.ChunkFrames*ch*bits/8),
		pcm:     make([]byte, cfg.ChunkFrames*ch*sampleBytes),
		scratch: make([]byte, cfg.ChunkFrames*ch*sampleBytes),
		frames:  make([]float32, cfg.ChunkFrames*cfg.Channels),
	}
	return f, nil
}

// Resampling reports whether the decoder rate differs from the engine's.
func (f *Feeder) Resampling() bool { return f.inRate != int(f.cfg.SampleRate) }

// FramesWritten is the number of frames delivered to the ring.
func (f *Feeder) FramesWritten() uint64 { return f.written.Load() }

// Finished reports whether the whole file has been delivered.
func (f *Feeder) Finished() bool { return f.finished.Load() }

// Run decodes until end of stream, a decoder error or ctx cancellation.
// It returns nil at end of stream after every frame reached the ring.
func (f *Feeder) Run(ctx context.Context) error {
	f.ctx = ctx
	var sink io.Writer = stageWriter{f}
	if f.Resampling() {
		r, err := soxr.New(sink, float64(f.inRate), float64(f.cfg.SampleRate), f.inCh, soxr.F32, f.cfg.Quality)
		if err != nil {
			return fmt.Errorf("failed to create resampler: %w", err)
		}
		f.resampler = r
		sink = r
	}

	f.log.Info("feeder started",
		"in_rate", f.inRate, "in_channels", f.inCh, "in_bits", f.inBits,
		"out_rate", f.cfg.SampleRate, "out_channels", f.cfg.Channels,
		"resample", f.Resampling())

	err := f.decodeLoop(ctx, sink)
	if f.resampler != nil {
		// Close flushes the resampler tail through the stage.
		if cerr := f.resampler.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to flush resampler: %w", cerr)
		}
	}
	if err != nil {
		return err
	}
	if err := f.drain(ctx); err != nil {
		return err
	}
	f.finished.Store(true)
	f.log.Info("feeder finished", "frames", f.written.Load())
	return nil
}

func (f *Feeder) decodeLoop(ctx context.Context, sink io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.dec.DecodeSamples(f.cfg.ChunkFrames, f.decoded)
		if n > 0 {
			pcm := f.toFloat(f.decoded[:n*f.inCh*f.inBits/8])
			if _, werr := sink.Write(pcm); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode failed: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// sampleBytes is the width of one staged sample: float32, the SoXR F32
// layout.
const sampleBytes = 4

// toFloat converts little-endian PCM of any supported width to float32
// in [-1, 1) without dropping low-order bits.
func (f *Feeder) toFloat(src []byte) []byte {
	width := f.inBits / 8
	count := len(src) / width
	dst := f.pcm[:count*sampleBytes]
	for i := 0; i < count; i++ {
		var v float32
		s := src[i*width:]
		switch width {
		case 1:
			v = float32(int(s[0])-128) / (1 << 7)
		case 2:
			v = float32(int16(binary.LittleEndian.Uint16(s))) / (1 << 15)
		case 3:
			x := int32(uint32(s[0])<<8|uint32(s[1])<<16|uint32(s[2])<<24) >> 8
			v = float32(x) / (1 << 23)
		case 4:
			v = float32(float64(int32(binary.LittleEndian.Uint32(s))) / (1 << 31))
		}
		binary.LittleEndian.PutUint32(dst[i*sampleBytes:], math.Float32bits(v))
	}
	return dst
}

// stageWriter feeds the byte stage, draining it into the float ring
// whenever it is full.
type stageWriter struct{ f *Feeder }

func (w stageWriter) Write(p []byte) (int, error) {
	f := w.f
	frameBytes := f.inCh * sampleBytes
	written := 0
	for len(p) > 0 {
		free := int(f.stage.Size() - f.stage.AvailableRead())
		chunk := min(len(p), free-free%frameBytes)
		if chunk == 0 {
			if err := f.waitPump(); err != nil {
				return written, err
			}
			continue
		}
		if _, err := f.stage.Write(p[:chunk]); err != nil {
			return written, fmt.Errorf("stage write: %w", err)
		}
		p = p[chunk:]
		written += chunk
		f.pump()
	}
	return written, nil
}

// pump converts as many staged frames as the float ring can take and
// reports whether it moved anything.
func (f *Feeder) pump() bool {
	frameBytes := f.inCh * sampleBytes
	outCh := f.cfg.Channels
	moved := false
	for {
		avail := int(f.stage.AvailableRead()) / frameBytes
		room := f.out.AvailableWrite() / outCh
		n := min(avail, room, len(f.scratch)/frameBytes)
		if n == 0 {
			return moved
		}
		got, err := f.stage.Read(f.scratch[:n*frameBytes])
		if err != nil || got < frameBytes {
			return moved
		}
		n = got / frameBytes
		f.convert(f.scratch[:n*frameBytes], f.frames[:n*outCh])
		f.out.Write(f.frames[:n*outCh])
		f.written.Add(uint64(n))
		moved = true
	}
}

func (f *Feeder) waitPump() error {
	for !f.pump() {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		case <-time.After(f.cfg.Poll):
		}
	}
	return nil
}

// drain waits until the stage is empty.
func (f *Feeder) drain(ctx context.Context) error {
	for f.stage.AvailableRead() >= uint64(f.inCh*sampleBytes) {
		if f.pump() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.Poll):
		}
	}
	return nil
}

// convert maps staged float frames with inCh channels to frames with the
// engine channel count. Mono input is duplicated and mono output is the
// channel average. Otherwise channels match by index and missing ones
// are silent.
func (f *Feeder) convert(src []byte, dst []float32) {
	in, out := f.inCh, f.cfg.Channels
	frames := len(src) / (in * sampleBytes)
	for fr := 0; fr < frames; fr++ {
		base := fr * in * sampleBytes
		sample := func(ch int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(src[base+ch*sampleBytes:]))
		}
		o := dst[fr*out : fr*out+out]
		switch {
		case in == out:
			for ch := range o {
				o[ch] = sample(ch)
			}
		case in == 1:
			v := sample(0)
			for ch := range o {
				o[ch] = v
			}
		case out == 1:
			var sum float32
			for ch := 0; ch < in; ch++ {
				sum += sample(ch)
			}
			o[0] = sum / float32(in)
		default:
			for ch := range o {
				if ch < in {
					o[ch] = sample(ch)
				} else {
					o[ch] = 0
				}
			}
		}
	}
}
