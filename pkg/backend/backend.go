// Package backend puts the audio I/O facilities the engine can use behind
// one interface.
//
// Every variant drives a fixed-signature float32 callback from its own
// device thread. Conversion to the device sample format happens in
// scratch buffers allocated when the stream is opened, so callbacks never
// allocate. A callback cannot fail: if the engine side panics or the
// device misbehaves, the stream writes silence and counts a fault.
package backend

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Callback fills out with interleaved samples, len = frames*channels.
type Callback func(out []float32)

// InputCallback receives interleaved captured samples. in is only valid
// for the duration of the call.
type InputCallback func(in []float32)

// Backend is one audio I/O facility.
type Backend interface {
	Kind() types.BackendKind
	Name() string
	IsAvailable() bool
	EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error)
	DefaultDevice(dir types.Direction) (types.DeviceInfo, error)
	OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error)
	OpenInput(deviceID string, cfg types.AudioConfig, cb InputCallback) (Stream, error)
	Close() error
}

// Stream is an opened device stream. Streams start stopped.
type Stream interface {
	ID() string
	Config() types.AudioConfig
	Direction() types.Direction
	Play() error
	Pause() error
	Stop() error
	Close() error
	Status() types.StreamStatus
	LatencySamples() uint32
	Faults() uint64
}

// LossNotifier is implemented by backends that can tell when a device
// disappears underneath an open stream.
type LossNotifier interface {
	SetLossHandler(fn func(streamID string, err error))
}

// DevicePrefix is the device-id namespace owned by a backend kind.
func DevicePrefix(kind types.BackendKind) string {
	switch kind {
	case types.BackendSharedMode:
		return "pa:"
	case types.BackendExclusiveMode:
		return "ma:"
	case types.BackendBrowser:
		return "web:"
	case types.BackendHeadless:
		return "null:"
	}
	return ""
}

// Owns reports whether deviceID belongs to kind. The empty id means the
// default device and belongs to every backend.
func Owns(kind types.BackendKind, deviceID string) bool {
	if deviceID == "" {
		return true
	}
	p := DevicePrefix(kind)
	return p != "" && strings.HasPrefix(deviceID, p)
}

// pickDevice resolves deviceID (or the default when empty) from a device
// list and checks cfg against it.
func pickDevice(devices []types.DeviceInfo, deviceID string, cfg types.AudioConfig) (types.DeviceInfo, error) {
	var dev types.DeviceInfo
	found := false
	for _, d := range devices {
		if (deviceID == "" && d.IsDefault) || (deviceID != "" && d.ID == deviceID) {
			dev, found = d, true
			break
		}
	}
	if !found && deviceID == "" && len(devices) > 0 {
		dev, found = devices[0], true
	}
	if !found {
		if deviceID == "" {
			return dev, fmt.Errorf("no default device: %w", types.ErrDeviceNotFound)
		}
		return dev, fmt.Errorf("%s: %w", deviceID, types.ErrDeviceNotFound)
	}
	if !dev.Supports(cfg) {
		return dev, fmt.Errorf("%s does not support %v: %w", dev.ID, cfg, types.ErrConfigUnsupported)
	}
	return dev, nil
}

// defaultOf returns the default device of a list, or the first one.
func defaultOf(devices []types.DeviceInfo, dir types.Direction) (types.DeviceInfo, error) {
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return types.DeviceInfo{}, fmt.Errorf("no %v device: %w", dir, types.ErrDeviceNotFound)
}

// streamBase carries the state every stream variant shares.
type streamBase struct {
	id      string
	cfg     types.AudioConfig
	dir     types.Direction
	latency uint32
	status  atomic.Int32
	faults  atomic.Uint64
}

func newStreamBase(cfg types.AudioConfig, dir types.Direction, latency uint32) streamBase {
	return streamBase{id: uuid.NewString(), cfg: cfg, dir: dir, latency: latency}
}

func (s *streamBase) ID() string                 { return s.id }
func (s *streamBase) Config() types.AudioConfig  { return s.cfg }
func (s *streamBase) Direction() types.Direction { return s.dir }
func (s *streamBase) LatencySamples() uint32     { return s.latency }
func (s *streamBase) Faults() uint64             { return s.faults.Load() }

func (s *streamBase) Status() types.StreamStatus {
	return types.StreamStatus(s.status.Load())
}

func (s *streamBase) setStatus(st types.StreamStatus) {
	s.status.Store(int32(st))
}

// fail marks the stream broken from a device thread.
func (s *streamBase) fail() {
	s.faults.Add(1)
	s.setStatus(types.StreamError)
}
