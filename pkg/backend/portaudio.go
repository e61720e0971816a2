//go:build !js

package backend

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/drgolem/go-portaudio/portaudio"

	"github.com/drgolem/audiorouter/pkg/types"
)

// SharedBackend plays through PortAudio in the host API's shared mode.
type SharedBackend struct {
	log *slog.Logger

	mu      sync.Mutex
	inited  bool
	initErr error
}

// NewSharedBackend creates the backend. PortAudio is initialized on first
// use.
func NewSharedBackend(log *slog.Logger) *SharedBackend {
	if log == nil {
		log = slog.Default()
	}
	return &SharedBackend{log: log.With("backend", "shared")}
}

func (b *SharedBackend) Kind() types.BackendKind { return types.BackendSharedMode }
func (b *SharedBackend) Name() string            { return "portaudio" }

func (b *SharedBackend) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inited {
		return b.initErr
	}
	b.inited = true
	if err := portaudio.Initialize(); err != nil {
		b.initErr = fmt.Errorf("portaudio: %v: %w", err, types.ErrBackendNotAvailable)
		return b.initErr
	}
	b.log.Info("PortAudio initialized", "version", portaudio.GetVersionText())
	return nil
}

func (b *SharedBackend) IsAvailable() bool {
	if b.init() != nil {
		return false
	}
	devices, err := portaudio.Devices()
	return err == nil && len(devices) > 0
}

// EnumerateDevices lists PortAudio devices with channels in dir. The
// device PortAudio reports as the host default for dir is flagged
// IsDefault; with no host default nothing is flagged.
func (b *SharedBackend) EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %v: %w", err, types.ErrDeviceUnavailable)
	}
	lookup := portaudio.DefaultOutputDevice
	if dir == types.Input {
		lookup = portaudio.DefaultInputDevice
	}
	defaultIndex := -1
	if d, err := lookup(); err == nil && d != nil {
		defaultIndex = d.Index
	} else {
		b.log.Debug("no host default device", "direction", dir, "error", err)
	}
	return paDeviceList(devices, dir, defaultIndex), nil
}

func paDeviceList(devices []*portaudio.DeviceInfo, dir types.Direction, defaultIndex int) []types.DeviceInfo {
	var out []types.DeviceInfo
	for i, d := range devices {
		if d == nil {
			continue
		}
		info := types.DeviceInfo{
			ID:                DevicePrefix(types.BackendSharedMode) + strconv.Itoa(i),
			Name:              d.Name,
			Backend:           types.BackendSharedMode,
			Direction:         dir,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			IsDefault:         i == defaultIndex,
		}
		if dir == types.Output && info.MaxOutputChannels == 0 {
			continue
		}
		if dir == types.Input && info.MaxInputChannels == 0 {
			continue
		}
		if rate := uint32(d.DefaultSampleRate); rate > 0 {
			cfg := types.DefaultAudioConfig()
			cfg.SampleRate = rate
			info.SupportedConfigs = []types.AudioConfig{cfg}
		}
		out = append(out, info)
	}
	return out
}

func (b *SharedBackend) DefaultDevice(dir types.Direction) (types.DeviceInfo, error) {
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return defaultOf(devices, dir)
}

func (b *SharedBackend) OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error) {
	s, err := b.prepare(deviceID, cfg, types.Output)
	if err != nil {
		return nil, err
	}
	s.render = newRenderer(&s.streamBase, cb, s.wire)
	return s, s.open()
}

func (b *SharedBackend) OpenInput(deviceID string, cfg types.AudioConfig, cb InputCallback) (Stream, error) {
	s, err := b.prepare(deviceID, cfg, types.Input)
	if err != nil {
		return nil, err
	}
	s.capture = newCapturer(&s.streamBase, cb, s.wire)
	return s, s.open()
}

func (b *SharedBackend) prepare(deviceID string, cfg types.AudioConfig, dir types.Direction) (*paStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExclusiveMode {
		return nil, fmt.Errorf("portaudio streams are shared: %w", types.ErrConfigUnsupported)
	}
	if !Owns(types.BackendSharedMode, deviceID) {
		return nil, fmt.Errorf("%s: %w", deviceID, types.ErrDeviceNotFound)
	}
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return nil, err
	}
	dev, err := pickDevice(devices, deviceID, cfg)
	if err != nil {
		return nil, err
	}
	index, err := strconv.Atoi(strings.TrimPrefix(dev.ID, DevicePrefix(types.BackendSharedMode)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev.ID, types.ErrDeviceNotFound)
	}

	// Float streams travel as 32-bit integers and are converted at the
	// edge.
	wire := cfg.Format
	sampleFormat := portaudio.SampleFmtInt32
	if wire == types.FormatInt16 {
		sampleFormat = portaudio.SampleFmtInt16
	} else {
		wire = types.FormatInt32
	}

	params := &portaudio.PaStreamParameters{
		DeviceIndex:  index,
		ChannelCount: int(cfg.Channels),
		SampleFormat: sampleFormat,
	}
	pa := &portaudio.PaStream{SampleRate: float64(cfg.SampleRate)}
	if dir == types.Output {
		pa.OutputParameters = params
	} else {
		pa.InputParameters = params
	}

	latency := cfg.BufferSize
	if info, err := portaudio.GetDeviceInfo(index); err == nil {
		latency += uint32(float64(info.DefaultLowOutputLatency) * float64(cfg.SampleRate))
	}
	return &paStream{
		streamBase: newStreamBase(cfg, dir, latency),
		backend:    b,
		device:     dev,
		pa:         pa,
		wire:       wire,
	}, nil
}

// Close terminates PortAudio if it was initialized.
func (b *SharedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inited || b.initErr != nil {
		return nil
	}
	b.inited = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate portaudio: %w", err)
	}
	return nil
}

type paStream struct {
	streamBase
	backend *SharedBackend
	device  types.DeviceInfo
	pa      *portaudio.PaStream
	wire    types.SampleFormat
	render  *renderer
	capture *capturer

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *paStream) open() error {
	if err := s.pa.OpenCallback(int(s.cfg.BufferSize), s.callback); err != nil {
		return fmt.Errorf("failed to open %s: %v: %w", s.device.ID, err, types.ErrDeviceUnavailable)
	}
	s.backend.log.Info("stream opened",
		"stream", s.id, "device", s.device.Name, "direction", s.dir, "config", s.cfg)
	return nil
}

func (s *paStream) callback(input, output []byte, frameCount uint,
	_ *portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	if flags&portaudio.OutputUnderflow != 0 {
		s.faults.Add(1)
	}
	if s.dir == types.Output {
		s.render.render(output, int(frameCount))
	} else {
		s.capture.capture(input, int(frameCount))
	}
	return portaudio.Continue
}

func (s *paStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed: %w", s.id, types.ErrStream)
	}
	s.setStatus(types.StreamPlaying)
	if s.running {
		return nil
	}
	if err := s.pa.StartStream(); err != nil {
		s.setStatus(types.StreamError)
		return fmt.Errorf("failed to start stream: %v: %w", err, types.ErrStream)
	}
	s.running = true
	return nil
}

// Pause keeps the device running and feeds it silence.
func (s *paStream) Pause() error {
	s.setStatus(types.StreamPaused)
	return nil
}

func (s *paStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(types.StreamStopped)
	return s.stopLocked()
}

func (s *paStream) stopLocked() error {
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.pa.StopStream(); err != nil {
		return fmt.Errorf("failed to stop stream: %v: %w", err, types.ErrStream)
	}
	return nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.setStatus(types.StreamStopped)
	stopErr := s.stopLocked()
	if err := s.pa.CloseCallback(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return stopErr
}
