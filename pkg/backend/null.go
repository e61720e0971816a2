package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/drgolem/audiorouter/pkg/types"
)

// NullConfig configures the headless backend.
type NullConfig struct {
	// Realtime paces callbacks with the wall clock. Otherwise nothing
	// happens until NullStream.Pump is called.
	Realtime bool
	// Unavailable makes IsAvailable report false.
	Unavailable bool
	// Tap sees every rendered output buffer after the callback returns.
	Tap func(out []float32)
	// Source fills input buffers. Inputs capture silence when nil.
	Source func(in []float32)
}

// NullBackend has no device. It drives callbacks from a timer or from
// explicit Pump calls, for tests and offline rendering.
type NullBackend struct {
	cfg NullConfig

	mu      sync.Mutex
	streams map[string]*NullStream
}

// NewNullBackend creates a headless backend.
func NewNullBackend(cfg NullConfig) *NullBackend {
	return &NullBackend{cfg: cfg, streams: make(map[string]*NullStream)}
}

func (b *NullBackend) Kind() types.BackendKind { return types.BackendHeadless }
func (b *NullBackend) Name() string            { return "headless" }
func (b *NullBackend) IsAvailable() bool       { return !b.cfg.Unavailable }

func (b *NullBackend) EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	if b.cfg.Unavailable {
		return nil, types.ErrBackendNotAvailable
	}
	d := types.DeviceInfo{
		ID:        DevicePrefix(types.BackendHeadless) + "default",
		Name:      "Null " + dir.String(),
		Backend:   types.BackendHeadless,
		Direction: dir,
		IsDefault: true,
	}
	return []types.DeviceInfo{d}, nil
}

func (b *NullBackend) DefaultDevice(dir types.Direction) (types.DeviceInfo, error) {
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return defaultOf(devices, dir)
}

func (b *NullBackend) OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error) {
	s, err := b.open(deviceID, cfg, types.Output)
	if err != nil {
		return nil, err
	}
	s.render = cb
	return s, nil
}

func (b *NullBackend) OpenInput(deviceID string, cfg types.AudioConfig, cb InputCallback) (Stream, error) {
	s, err := b.open(deviceID, cfg, types.Input)
	if err != nil {
		return nil, err
	}
	s.capture = cb
	return s, nil
}

func (b *NullBackend) open(deviceID string, cfg types.AudioConfig, dir types.Direction) (*NullStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return nil, err
	}
	if _, err := pickDevice(devices, deviceID, cfg); err != nil {
		return nil, err
	}
	s := &NullStream{
		streamBase: newStreamBase(cfg, dir, cfg.BufferSize),
		backend:    b,
		buf:        make([]float32, cfg.SamplesPerBuffer()),
	}
	b.mu.Lock()
	b.streams[s.id] = s
	b.mu.Unlock()
	return s, nil
}

// Close closes every stream still open.
func (b *NullBackend) Close() error {
	b.mu.Lock()
	streams := make([]*NullStream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
	return nil
}

// NullStream is a stream of the headless backend.
type NullStream struct {
	streamBase
	backend *NullBackend
	render  Callback
	capture InputCallback
	buf     []float32

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	closed  bool
	pumping sync.Mutex
}

func (s *NullStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed: %w", s.id, types.ErrStream)
	}
	s.setStatus(types.StreamPlaying)
	if s.backend.cfg.Realtime && s.stop == nil {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.clock(s.stop, s.done)
	}
	return nil
}

func (s *NullStream) Pause() error {
	s.halt()
	s.setStatus(types.StreamPaused)
	return nil
}

func (s *NullStream) Stop() error {
	s.halt()
	s.setStatus(types.StreamStopped)
	return nil
}

func (s *NullStream) Close() error {
	s.halt()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.setStatus(types.StreamStopped)

	s.backend.mu.Lock()
	delete(s.backend.streams, s.id)
	s.backend.mu.Unlock()
	return nil
}

func (s *NullStream) halt() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Pump runs n callbacks back to back and returns how many ran. It does
// nothing unless the stream is playing.
func (s *NullStream) Pump(n int) int {
	ran := 0
	for ; ran < n; ran++ {
		if s.Status() != types.StreamPlaying {
			break
		}
		s.step()
	}
	return ran
}

func (s *NullStream) clock(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	period := time.Duration(float64(time.Second) * float64(s.cfg.BufferSize) / float64(s.cfg.SampleRate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *NullStream) step() {
	s.pumping.Lock()
	defer s.pumping.Unlock()
	defer func() {
		if recover() != nil {
			clear(s.buf)
			s.faults.Add(1)
		}
	}()
	if s.dir == types.Output {
		s.render(s.buf)
		if tap := s.backend.cfg.Tap; tap != nil {
			tap(s.buf)
		}
		return
	}
	if src := s.backend.cfg.Source; src != nil {
		src(s.buf)
	} else {
		clear(s.buf)
	}
	s.capture(s.buf)
}
