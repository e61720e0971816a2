//go:build !js

package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/drgolem/audiorouter/pkg/types"
)

// ExclusiveBackend opens devices through miniaudio in exclusive mode,
// bypassing the system mixer where the host API allows it.
type ExclusiveBackend struct {
	log *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	initErr error
	inited  bool
	lost    func(streamID string, err error)
}

// NewExclusiveBackend creates the backend. The miniaudio context is
// created on first use.
func NewExclusiveBackend(log *slog.Logger) *ExclusiveBackend {
	if log == nil {
		log = slog.Default()
	}
	return &ExclusiveBackend{log: log.With("backend", "exclusive")}
}

func (b *ExclusiveBackend) Kind() types.BackendKind { return types.BackendExclusiveMode }
func (b *ExclusiveBackend) Name() string            { return "miniaudio" }

// SetLossHandler registers fn to run when a playing device stops without
// being asked to. fn runs on the device thread.
func (b *ExclusiveBackend) SetLossHandler(fn func(streamID string, err error)) {
	b.mu.Lock()
	b.lost = fn
	b.mu.Unlock()
}

func (b *ExclusiveBackend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inited {
		return b.ctx, b.initErr
	}
	b.inited = true
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		b.log.Debug("miniaudio", "message", msg)
	})
	if err != nil {
		b.initErr = fmt.Errorf("miniaudio: %v: %w", err, types.ErrBackendNotAvailable)
		return nil, b.initErr
	}
	b.ctx = ctx
	return ctx, nil
}

func (b *ExclusiveBackend) IsAvailable() bool {
	ctx, err := b.context()
	if err != nil {
		return false
	}
	devices, err := ctx.Devices(malgo.Playback)
	return err == nil && len(devices) > 0
}

func deviceType(dir types.Direction) malgo.DeviceType {
	if dir == types.Input {
		return malgo.Capture
	}
	return malgo.Playback
}

type maDevice struct {
	info types.DeviceInfo
	id   malgo.DeviceID
}

func (b *ExclusiveBackend) devices(dir types.Direction) ([]maDevice, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	list, err := ctx.Devices(deviceType(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %v: %w", err, types.ErrDeviceUnavailable)
	}
	out := make([]maDevice, 0, len(list))
	for i := range list {
		d := &list[i]
		info := types.DeviceInfo{
			ID:        DevicePrefix(types.BackendExclusiveMode) + d.ID.String(),
			Name:      d.Name(),
			Backend:   types.BackendExclusiveMode,
			Direction: dir,
			IsDefault: d.IsDefault != 0,
		}
		formats := d.Formats
		if full, err := ctx.DeviceInfo(deviceType(dir), d.ID, malgo.Exclusive); err == nil && len(full.Formats) > 0 {
			formats = full.Formats
		}
		describeFormats(&info, formats)
		out = append(out, maDevice{info: info, id: d.ID})
	}
	return out, nil
}

// describeFormats fills channel and rate limits from native formats. A
// zero in a native format means the device accepts any value.
func describeFormats(info *types.DeviceInfo, formats []malgo.DataFormat) {
	var maxCh int
	var minRate, maxRate uint32
	anyRate := false
	for _, f := range formats {
		if f.Channels == 0 {
			maxCh = 0
			break
		}
		maxCh = max(maxCh, int(f.Channels))
	}
	for _, f := range formats {
		if f.SampleRate == 0 {
			anyRate = true
			continue
		}
		if minRate == 0 || f.SampleRate < minRate {
			minRate = f.SampleRate
		}
		maxRate = max(maxRate, f.SampleRate)
	}
	if !anyRate {
		info.MinSampleRate, info.MaxSampleRate = minRate, maxRate
	}
	if info.Direction == types.Input {
		info.MaxInputChannels = maxCh
	} else {
		info.MaxOutputChannels = maxCh
	}
}

func (b *ExclusiveBackend) EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	devices, err := b.devices(dir)
	if err != nil {
		return nil, err
	}
	out := make([]types.DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = d.info
	}
	return out, nil
}

func (b *ExclusiveBackend) DefaultDevice(dir types.Direction) (types.DeviceInfo, error) {
	devices, err := b.EnumerateDevices(dir)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return defaultOf(devices, dir)
}

func (b *ExclusiveBackend) OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error) {
	s, err := b.prepare(deviceID, cfg, types.Output)
	if err != nil {
		return nil, err
	}
	s.render = newRenderer(&s.streamBase, cb, cfg.Format)
	return s, s.open()
}

func (b *ExclusiveBackend) OpenInput(deviceID string, cfg types.AudioConfig, cb InputCallback) (Stream, error) {
	s, err := b.prepare(deviceID, cfg, types.Input)
	if err != nil {
		return nil, err
	}
	s.capture = newCapturer(&s.streamBase, cb, cfg.Format)
	return s, s.open()
}

func (b *ExclusiveBackend) prepare(deviceID string, cfg types.AudioConfig, dir types.Direction) (*maStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !Owns(types.BackendExclusiveMode, deviceID) {
		return nil, fmt.Errorf("%s: %w", deviceID, types.ErrDeviceNotFound)
	}
	devices, err := b.devices(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]types.DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = d.info
	}
	dev, err := pickDevice(infos, deviceID, cfg)
	if err != nil {
		return nil, err
	}
	var id malgo.DeviceID
	for _, d := range devices {
		if d.info.ID == dev.ID {
			id = d.id
		}
	}
	return &maStream{
		streamBase: newStreamBase(cfg, dir, cfg.BufferSize),
		backend:    b,
		device:     dev,
		deviceID:   id,
	}, nil
}

func maFormat(f types.SampleFormat) malgo.FormatType {
	switch f {
	case types.FormatInt16:
		return malgo.FormatS16
	case types.FormatInt32:
		return malgo.FormatS32
	default:
		return malgo.FormatF32
	}
}

// openError maps miniaudio results onto the backend error taxonomy.
func openError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrShareModeNotSupported),
		errors.Is(err, malgo.ErrFormatNotSupported),
		errors.Is(err, malgo.ErrDeviceTypeNotSupported),
		errors.Is(err, malgo.ErrInvalidArgs):
		return fmt.Errorf("%v: %w", err, types.ErrConfigUnsupported)
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDoesNotExist):
		return fmt.Errorf("%v: %w", err, types.ErrDeviceNotFound)
	case errors.Is(err, malgo.ErrBusy), errors.Is(err, malgo.ErrAlreadyInUse),
		errors.Is(err, malgo.ErrAccessDenied), errors.Is(err, malgo.ErrUnavailable):
		return fmt.Errorf("%v: %w", err, types.ErrDeviceUnavailable)
	case errors.Is(err, malgo.ErrNoBackend), errors.Is(err, malgo.ErrAPINotFound):
		return fmt.Errorf("%v: %w", err, types.ErrBackendNotAvailable)
	}
	return fmt.Errorf("%v: %w", err, types.ErrStream)
}

// Close releases the miniaudio context.
func (b *ExclusiveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	b.inited = false
	return err
}

type maStream struct {
	streamBase
	backend  *ExclusiveBackend
	device   types.DeviceInfo
	deviceID malgo.DeviceID
	dev      *malgo.Device
	render   *renderer
	capture  *capturer

	mu       sync.Mutex
	stopping bool
	closed   bool
}

func (s *maStream) open() error {
	ctx, err := s.backend.context()
	if err != nil {
		return err
	}
	dc := malgo.DefaultDeviceConfig(deviceType(s.dir))
	dc.SampleRate = s.cfg.SampleRate
	dc.PeriodSizeInFrames = s.cfg.BufferSize
	sub := malgo.SubConfig{
		DeviceID:  s.deviceID.Pointer(),
		Format:    maFormat(s.cfg.Format),
		Channels:  uint32(s.cfg.Channels),
		ShareMode: malgo.Exclusive,
	}
	if s.dir == types.Output {
		dc.Playback = sub
	} else {
		dc.Capture = sub
	}

	dev, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.device.ID, openError(err))
	}
	s.dev = dev
	s.backend.log.Info("stream opened",
		"stream", s.id, "device", s.device.Name, "direction", s.dir, "config", s.cfg)
	return nil
}

func (s *maStream) onData(out, in []byte, frames uint32) {
	if s.dir == types.Output {
		s.render.render(out, int(frames))
	} else {
		s.capture.capture(in, int(frames))
	}
}

// onStop fires for requested stops too; only an unrequested stop of a
// playing stream counts as a loss.
func (s *maStream) onStop() {
	s.mu.Lock()
	requested := s.stopping
	s.mu.Unlock()
	if requested || s.Status() != types.StreamPlaying {
		return
	}
	s.fail()
	s.backend.mu.Lock()
	lost := s.backend.lost
	s.backend.mu.Unlock()
	if lost != nil {
		lost(s.id, fmt.Errorf("device %s stopped: %w", s.device.ID, types.ErrDeviceUnavailable))
	}
}

func (s *maStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed: %w", s.id, types.ErrStream)
	}
	s.stopping = false
	s.setStatus(types.StreamPlaying)
	if s.dev.IsStarted() {
		return nil
	}
	if err := s.dev.Start(); err != nil {
		s.setStatus(types.StreamError)
		return fmt.Errorf("failed to start stream: %w", openError(err))
	}
	return nil
}

func (s *maStream) Pause() error {
	s.setStatus(types.StreamPaused)
	return nil
}

func (s *maStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(types.StreamStopped)
	return s.stopLocked()
}

func (s *maStream) stopLocked() error {
	if s.dev == nil || !s.dev.IsStarted() {
		return nil
	}
	s.stopping = true
	s.mu.Unlock()
	err := s.dev.Stop()
	s.mu.Lock()
	if err != nil {
		return fmt.Errorf("failed to stop stream: %w", openError(err))
	}
	return nil
}

func (s *maStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.setStatus(types.StreamStopped)
	err := s.stopLocked()
	s.dev.Uninit()
	return err
}
