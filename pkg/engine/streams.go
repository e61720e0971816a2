package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
	"github.com/drgolem/audiorouter/pkg/types"
)

var errClosed = errors.New("engine closed")

// StreamHandle identifies a stream opened through the engine. Output
// streams play a Destination; input streams feed a Source.
type StreamHandle struct {
	ID          string              `json:"id"`
	Device      string              `json:"device"`
	Direction   types.Direction     `json:"direction"`
	Destination types.DestinationID `json:"destination,omitempty"`
	Source      types.SourceID      `json:"source,omitempty"`
	Config      types.AudioConfig   `json:"config"`
}

// StreamInfo is a stream's row in Stats.
type StreamInfo struct {
	StreamHandle
	Backend        string             `json:"backend"`
	Status         types.StreamStatus `json:"status"`
	LatencySamples uint32             `json:"latency_samples"`
	Faults         uint64             `json:"faults"`
	Clock          bool               `json:"clock"`
}

// streamState is the engine side of one device stream. The fields read by
// the callback are written only while the device stream is closed or
// stopped.
type streamState struct {
	e        *Engine
	id       string
	device   string
	dir      types.Direction
	request  types.AudioConfig
	dst      types.DestinationID
	src      types.SourceID
	rec      *meter.RecordingBuffer
	ring     *ringbuffer.RingBuffer
	channels int
	scratch  []float32

	stream     atomic.Pointer[streamBox]
	lastFaults uint64
	lost       bool
}

type streamBox struct{ backend.Stream }

func (st *streamState) current() backend.Stream { return st.stream.Load().Stream }

// bind sizes the callback buffers for an opened device stream.
func (st *streamState) bind(s backend.Stream) {
	cfg := s.Config()
	st.channels = int(cfg.Channels)
	frames := 4 * int(max(cfg.BufferSize, st.e.cfg.Audio.BufferSize))
	st.scratch = make([]float32, frames*max(st.channels, st.e.channels))
	st.lastFaults = s.Faults()
	st.lost = false
	st.stream.Store(&streamBox{s})
	if cfg.SampleRate != st.e.cfg.Audio.SampleRate {
		st.e.log.Warn("stream rate differs from engine rate",
			"stream", st.id, "stream_rate", cfg.SampleRate, "engine_rate", st.e.cfg.Audio.SampleRate)
	}
}

// render is the output device callback.
func (st *streamState) render(out []float32) {
	e := st.e
	e.elevator.Apply()
	frames := len(out) / st.channels
	if e.clock.Load() == st {
		e.router.Process(frames)
	}
	if st.channels == e.channels {
		st.rec.Read(out)
		return
	}
	buf := st.scratch[:frames*e.channels]
	st.rec.Read(buf)
	remap(out, st.channels, buf, e.channels)
}

// capture is the input device callback.
func (st *streamState) capture(in []float32) {
	st.e.elevator.Apply()
	if st.channels == st.e.channels {
		st.ring.Write(in)
		return
	}
	frames := len(in) / st.channels
	buf := st.scratch[:frames*st.e.channels]
	remap(buf, st.e.channels, in, st.channels)
	st.ring.Write(buf)
}

// remap converts interleaved frames between channel counts: mono is
// duplicated, a mono target gets the average, otherwise channels match by
// index.
func remap(dst []float32, dstCh int, src []float32, srcCh int) {
	frames := min(len(dst)/dstCh, len(src)/srcCh)
	for f := 0; f < frames; f++ {
		in := src[f*srcCh : f*srcCh+srcCh]
		o := dst[f*dstCh : f*dstCh+dstCh]
		switch {
		case srcCh == 1:
			for c := range o {
				o[c] = in[0]
			}
		case dstCh == 1:
			var sum float32
			for _, v := range in {
				sum += v
			}
			o[0] = sum / float32(srcCh)
		default:
			for c := range o {
				if c < srcCh {
					o[c] = in[c]
				} else {
					o[c] = 0
				}
			}
		}
	}
}

// OpenStream opens an output stream on deviceID (empty for the default)
// and a Destination feeding it. The first output stream becomes the clock
// that drives the router. The stream starts playing.
func (e *Engine) OpenStream(deviceID string, cfg types.AudioConfig) (StreamHandle, error) {
	if err := cfg.Validate(); err != nil {
		return StreamHandle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	name := deviceID
	if name == "" {
		name = "default output"
	}
	dst, err := e.createDestinationLocked(types.OutputDevice, name)
	if err != nil {
		return StreamHandle{}, err
	}
	st := &streamState{e: e, device: deviceID, dir: types.Output, request: cfg, dst: dst, rec: e.dests[dst].rec}

	s, err := e.backend.OpenOutput(deviceID, cfg, st.render)
	if err != nil {
		e.removeDestinationLocked(dst)
		return StreamHandle{}, fmt.Errorf("failed to open output: %w", err)
	}
	return e.startLocked(st, s)
}

// OpenInputStream opens a capture stream on deviceID and an InputDevice
// Source it feeds.
func (e *Engine) OpenInputStream(deviceID string, cfg types.AudioConfig) (StreamHandle, error) {
	if err := cfg.Validate(); err != nil {
		return StreamHandle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	name := deviceID
	if name == "" {
		name = "default input"
	}
	src, err := e.createSourceLocked(types.InputDevice, name)
	if err != nil {
		return StreamHandle{}, err
	}
	st := &streamState{e: e, device: deviceID, dir: types.Input, request: cfg, src: src, ring: e.sources[src].ring}

	s, err := e.backend.OpenInput(deviceID, cfg, st.capture)
	if err != nil {
		e.router.RemoveSource(src)
		e.releaseRing(e.sources[src].shmRing)
		delete(e.sources, src)
		return StreamHandle{}, fmt.Errorf("failed to open input: %w", err)
	}
	return e.startLocked(st, s)
}

func (e *Engine) startLocked(st *streamState, s backend.Stream) (StreamHandle, error) {
	st.id = s.ID()
	st.bind(s)
	e.streams[st.id] = st
	if st.dir == types.Output {
		e.clock.CompareAndSwap(nil, st)
	}
	if err := s.Play(); err != nil {
		e.closeStreamLocked(st)
		return StreamHandle{}, err
	}
	e.log.Info("stream started",
		"stream", st.id, "direction", st.dir, "device", st.device,
		"config", s.Config(), "clock", e.clock.Load() == st)
	return st.handle(), nil
}

func (st *streamState) handle() StreamHandle {
	return StreamHandle{
		ID:          st.id,
		Device:      st.device,
		Direction:   st.dir,
		Destination: st.dst,
		Source:      st.src,
		Config:      st.current().Config(),
	}
}

// Stream returns the device stream behind a handle id.
func (e *Engine) Stream(id string) (backend.Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[id]
	if !ok {
		return nil, false
	}
	return st.current(), true
}

// CloseStream closes a stream and removes its endpoint.
func (e *Engine) CloseStream(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, types.ErrStream)
	}
	return e.closeStreamLocked(st)
}

func (e *Engine) closeStreamLocked(st *streamState) error {
	err := st.current().Close()
	delete(e.streams, st.id)
	if e.clock.Load() == st {
		e.clock.Store(e.nextClockLocked())
	}
	if st.dir == types.Output {
		e.removeDestinationLocked(st.dst)
	} else if s, ok := e.sources[st.src]; ok {
		e.router.RemoveSource(st.src)
		delete(e.sources, st.src)
		if s.shmRing >= 0 {
			e.deferRelease(s.shmRing)
		}
	}
	return err
}

func (e *Engine) nextClockLocked() *streamState {
	for _, st := range e.streams {
		if st.dir == types.Output {
			return st
		}
	}
	return nil
}

// reopenStreams moves every stream to the backend the hybrid selects
// next, keeping handles and endpoints.
func (e *Engine) reopenStreams() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.streams {
		old := st.current()
		old.Close()

		var s backend.Stream
		var err error
		// Device ids are per backend; a new backend starts on its default.
		if st.dir == types.Output {
			s, err = e.backend.OpenOutput("", st.request, st.render)
		} else {
			s, err = e.backend.OpenInput("", st.request, st.capture)
		}
		if err != nil {
			e.log.Error("failed to reopen stream after fallback", "stream", st.id, "error", err)
			continue
		}
		st.bind(s)
		if err := s.Play(); err != nil {
			e.log.Error("failed to restart stream after fallback", "stream", st.id, "error", err)
			continue
		}
		e.log.Info("stream moved", "stream", st.id, "backend", e.backend.Name(), "config", s.Config())
	}
}

// checkHealth feeds clock stream faults into the hybrid's health monitor.
func (e *Engine) checkHealth(h *backend.Hybrid) {
	st := e.clock.Load()
	if st == nil {
		return
	}
	e.mu.Lock()
	s := st.current()
	faults := s.Faults()
	delta := faults - st.lastFaults
	st.lastFaults = faults
	lost := !st.lost && s.Status() == types.StreamError
	if lost {
		st.lost = true
	}
	e.mu.Unlock()

	switch {
	case lost:
		if h.Health() != backend.Failed {
			h.ReportFailure(backend.DeviceDisconnected, fmt.Errorf("stream %s: %w", st.id, types.ErrStream))
		}
	case delta > 0:
		h.ReportUnderrun()
	default:
		h.ReportHealthy()
	}
}

func (e *Engine) streamInfos() []StreamInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	clock := e.clock.Load()
	out := make([]StreamInfo, 0, len(e.streams))
	for _, st := range e.streams {
		s := st.current()
		out = append(out, StreamInfo{
			StreamHandle:   st.handle(),
			Backend:        e.backend.Name(),
			Status:         s.Status(),
			LatencySamples: s.LatencySamples(),
			Faults:         s.Faults(),
			Clock:          st == clock,
		})
	}
	return out
}
