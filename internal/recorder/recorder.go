// Package recorder drains an Encoder destination into a WAV file.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Source is the consumer side of a destination ring.
type Source interface {
	Read(p []float32) int
	FillLevel() int
}

// Config holds recorder configuration
type Config struct {
	Path        string
	SampleRate  uint32
	Channels    int
	BitDepth    int           // 16, 24 or 32
	ChunkFrames int           // frames drained per read
	Poll        time.Duration // sleep when the ring is empty
}

// DefaultConfig returns a 16-bit configuration for path.
func DefaultConfig(path string, sampleRate uint32, channels int) Config {
	return Config{
		Path:        path,
		SampleRate:  sampleRate,
		Channels:    channels,
		BitDepth:    16,
		ChunkFrames: 1024,
		Poll:        5 * time.Millisecond,
	}
}

// State is the recorder lifecycle.
type State int32

const (
	Idle State = iota
	Recording
	Paused
	Stopped
)

var stateNames = [...]string{"idle", "recording", "paused", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown recorder state: %q", b)
}

// Recorder is the single consumer of one Encoder ring. While paused it
// keeps draining the ring so producers and the router never back up,
// but the frames are dropped instead of written.
type Recorder struct {
	cfg   Config
	src   Source
	file  *os.File
	enc   *wav.Encoder
	buf   []float32
	ints  *audio.IntBuffer
	scale float64
	log   *slog.Logger

	frames    atomic.Uint64
	discarded atomic.Uint64
	state     atomic.Int32
	paused    atomic.Bool
	start     time.Time // set by New
}

// Status reports progress.
type Status struct {
	Path     string        `json:"path"`
	Frames   uint64        `json:"frames"`
	Duration time.Duration `json:"duration"`
	Elapsed  time.Duration `json:"elapsed"`
	State    State         `json:"state"`
	// Discarded counts frames drained while paused.
	Discarded uint64 `json:"discarded"`
}

// New creates the output file. The WAV header is finalized when Run
// returns.
func New(src Source, cfg Config, log *slog.Logger) (*Recorder, error) {
	switch cfg.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", cfg.BitDepth)
	}
	if cfg.Channels < 1 || cfg.SampleRate == 0 {
		return nil, fmt.Errorf("invalid format: %d channels at %d Hz", cfg.Channels, cfg.SampleRate)
	}
	if cfg.ChunkFrames <= 0 {
		cfg.ChunkFrames = 1024
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	n := cfg.ChunkFrames * cfg.Channels
	return &Recorder{
		cfg:  cfg,
		src:  src,
		file: f,
		enc:  wav.NewEncoder(f, int(cfg.SampleRate), cfg.BitDepth, cfg.Channels, 1),
		buf:  make([]float32, n),
		ints: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: cfg.Channels, SampleRate: int(cfg.SampleRate)},
			Data:           make([]int, n),
			SourceBitDepth: cfg.BitDepth,
		},
		scale: math.Exp2(float64(cfg.BitDepth-1)) - 1,
		log:   log.With("path", filepath.Base(cfg.Path)),
		start: time.Now(),
	}, nil
}

// Run drains the ring until ctx is done, then writes what is left and
// closes the file.
func (r *Recorder) Run(ctx context.Context) (err error) {
	if !r.state.CompareAndSwap(int32(Idle), int32(r.running())) {
		return fmt.Errorf("recorder already %v", r.State())
	}
	r.log.Info("Recorder started", "sample_rate", r.cfg.SampleRate, "channels", r.cfg.Channels, "bits_per_sample", r.cfg.BitDepth)
	defer func() {
		r.state.Store(int32(Stopped))
		if cerr := r.close(); err == nil {
			err = cerr
		}
		r.log.Info("Recorder stopped", "frames", r.frames.Load(), "duration", r.Status().Duration)
	}()

	for {
		wrote, err := r.drain()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			_, err := r.drain()
			return err
		default:
		}
		if !wrote {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.Poll):
			}
		}
	}
}

// drain writes every whole frame currently available.
func (r *Recorder) drain() (bool, error) {
	wrote := false
	for {
		n := min(r.src.FillLevel(), len(r.buf))
		n -= n % r.cfg.Channels
		if n == 0 {
			return wrote, nil
		}
		got := r.src.Read(r.buf[:n])
		if r.paused.Load() {
			r.discarded.Add(uint64(got / r.cfg.Channels))
			continue
		}
		if err := r.write(r.buf[:got]); err != nil {
			return wrote, err
		}
		wrote = true
	}
}

func (r *Recorder) write(p []float32) error {
	data := r.ints.Data[:len(p)]
	for i, v := range p {
		x := float64(v)
		switch {
		case x != x:
			x = 0
		case x > 1:
			x = 1
		case x < -1:
			x = -1
		}
		data[i] = int(math.Round(x * r.scale))
	}
	r.ints.Data = data
	if err := r.enc.Write(r.ints); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	r.ints.Data = r.ints.Data[:cap(r.ints.Data)]
	r.frames.Add(uint64(len(p) / r.cfg.Channels))
	return nil
}

func (r *Recorder) close() error {
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return r.file.Close()
}

// Pause stops writing frames until Resume. It may be called before Run,
// in which case recording starts paused. Pausing a stopped recorder has
// no effect.
func (r *Recorder) Pause() {
	r.setPaused(true)
}

// Resume undoes Pause.
func (r *Recorder) Resume() {
	r.setPaused(false)
}

func (r *Recorder) setPaused(p bool) {
	if r.paused.Swap(p) == p {
		return
	}
	next := r.running()
	for {
		cur := State(r.state.Load())
		if cur == Idle || cur == Stopped {
			return
		}
		if r.state.CompareAndSwap(int32(cur), int32(next)) {
			break
		}
	}
	if p {
		r.log.Info("Recorder paused", "frames", r.frames.Load())
	} else {
		r.log.Info("Recorder resumed", "discarded", r.discarded.Load())
	}
}

func (r *Recorder) running() State {
	if r.paused.Load() {
		return Paused
	}
	return Recording
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Status returns the frames written so far.
func (r *Recorder) Status() Status {
	frames := r.frames.Load()
	return Status{
		Path:      r.cfg.Path,
		Frames:    frames,
		Duration:  time.Duration(float64(frames) / float64(r.cfg.SampleRate) * float64(time.Second)),
		Elapsed:   time.Since(r.start),
		State:     r.State(),
		Discarded: r.discarded.Load(),
	}
}
