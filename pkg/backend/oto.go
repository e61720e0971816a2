package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/drgolem/audiorouter/pkg/types"
)

// BrowserDeviceID is the only device the browser backend exposes.
const BrowserDeviceID = "web:default"

// readyTimeout bounds the wait for the audio context. In a browser the
// context only becomes ready after a user gesture, so players are
// created without waiting for it.
const readyTimeout = 2 * time.Second

// BrowserBackend plays through oto, which drives WebAudio under js/wasm
// and the platform mixer elsewhere. oto allows one context per process,
// so every stream shares the rate, channel count and format of the first.
type BrowserBackend struct {
	log *slog.Logger

	mu      sync.Mutex
	ctx     *oto.Context
	ctxCfg  types.AudioConfig
	initErr error
}

// NewBrowserBackend creates the backend. The audio context is created by
// the first OpenOutput.
func NewBrowserBackend(log *slog.Logger) *BrowserBackend {
	if log == nil {
		log = slog.Default()
	}
	return &BrowserBackend{log: log.With("backend", "browser")}
}

func (b *BrowserBackend) Kind() types.BackendKind { return types.BackendBrowser }
func (b *BrowserBackend) Name() string            { return "oto" }

func (b *BrowserBackend) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr == nil
}

func (b *BrowserBackend) EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	if dir == types.Input {
		return nil, nil
	}
	return []types.DeviceInfo{{
		ID:                BrowserDeviceID,
		Name:              "Web Audio",
		Backend:           types.BackendBrowser,
		Direction:         types.Output,
		IsDefault:         true,
		MaxOutputChannels: 2,
	}}, nil
}

func (b *BrowserBackend) DefaultDevice(dir types.Direction) (types.DeviceInfo, error) {
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return defaultOf(devices, dir)
}

func otoFormat(f types.SampleFormat) (oto.Format, error) {
	switch f {
	case types.FormatFloat32:
		return oto.FormatFloat32LE, nil
	case types.FormatInt16:
		return oto.FormatSignedInt16LE, nil
	}
	return 0, fmt.Errorf("oto cannot play %v: %w", f, types.ErrConfigUnsupported)
}

// context returns the process audio context, creating it for cfg.
func (b *BrowserBackend) context(cfg types.AudioConfig) (*oto.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initErr != nil {
		return nil, b.initErr
	}
	if b.ctx != nil {
		if b.ctxCfg.SampleRate != cfg.SampleRate || b.ctxCfg.Channels != cfg.Channels || b.ctxCfg.Format != cfg.Format {
			return nil, fmt.Errorf("audio context runs %v: %w", b.ctxCfg, types.ErrConfigUnsupported)
		}
		return b.ctx, nil
	}
	format, err := otoFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	bufferTime := time.Duration(float64(time.Second) * float64(cfg.BufferSize) / float64(cfg.SampleRate))
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(cfg.SampleRate),
		ChannelCount: int(cfg.Channels),
		Format:       format,
		BufferSize:   bufferTime,
	})
	if err != nil {
		b.initErr = fmt.Errorf("oto: %v: %w", err, types.ErrBackendNotAvailable)
		return nil, b.initErr
	}
	select {
	case <-ready:
	case <-time.After(readyTimeout):
		b.log.Warn("audio context not ready yet, playback starts when it is")
	}
	b.ctx = ctx
	b.ctxCfg = cfg
	b.log.Info("audio context created", "config", cfg)
	return ctx, nil
}

func (b *BrowserBackend) OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExclusiveMode {
		return nil, fmt.Errorf("browser audio is shared: %w", types.ErrConfigUnsupported)
	}
	if deviceID != "" && deviceID != BrowserDeviceID {
		return nil, fmt.Errorf("%s: %w", deviceID, types.ErrDeviceNotFound)
	}
	devices, _ := b.EnumerateDevices(types.Output)
	if _, err := pickDevice(devices, deviceID, cfg); err != nil {
		return nil, err
	}
	if _, err := otoFormat(cfg.Format); err != nil {
		return nil, err
	}
	ctx, err := b.context(cfg)
	if err != nil {
		return nil, err
	}

	// oto keeps its own buffer in front of the device.
	s := &otoStream{streamBase: newStreamBase(cfg, types.Output, 2*cfg.BufferSize)}
	s.render = newRenderer(&s.streamBase, cb, cfg.Format)
	s.frameBytes = int(cfg.Channels) * cfg.Format.BytesPerSample()
	s.player = ctx.NewPlayer(otoReader{s})
	s.player.SetBufferSize(int(cfg.BufferSize) * s.frameBytes)
	return s, nil
}

func (b *BrowserBackend) OpenInput(string, types.AudioConfig, InputCallback) (Stream, error) {
	return nil, fmt.Errorf("browser backend has no capture: %w", types.ErrConfigUnsupported)
}

// Close suspends the audio context. oto cannot destroy it.
func (b *BrowserBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	return b.ctx.Suspend()
}

type otoStream struct {
	streamBase
	player     *oto.Player
	render     *renderer
	frameBytes int

	mu     sync.Mutex
	closed bool
}

// otoReader is pulled by oto's mixer goroutine, which plays the role of
// the device callback.
type otoReader struct{ s *otoStream }

func (r otoReader) Read(p []byte) (int, error) {
	frames := len(p) / r.s.frameBytes
	r.s.render.render(p, frames)
	return frames * r.s.frameBytes, nil
}

func (s *otoStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed: %w", s.id, types.ErrStream)
	}
	if err := s.player.Err(); err != nil {
		s.fail()
		return fmt.Errorf("player: %v: %w", err, types.ErrStream)
	}
	s.setStatus(types.StreamPlaying)
	s.player.Play()
	return nil
}

func (s *otoStream) Pause() error {
	s.setStatus(types.StreamPaused)
	s.player.Pause()
	return nil
}

func (s *otoStream) Stop() error {
	s.setStatus(types.StreamStopped)
	s.player.Pause()
	s.player.Reset()
	return nil
}

func (s *otoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.setStatus(types.StreamStopped)
	return s.player.Close()
}
