package types

import (
	"fmt"
)

// SampleFormat is the on-device sample encoding requested for a stream.
// The engine itself always mixes in float32; backends convert at the edge.
type SampleFormat int

const (
	FormatInt16 SampleFormat = iota
	FormatInt32
	FormatFloat32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatInt32:
		return "int32"
	case FormatFloat32:
		return "float32"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
}

// BytesPerSample returns the encoded size of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatInt32, FormatFloat32:
		return 4
	default:
		return 0
	}
}

// ParseSampleFormat accepts the names produced by SampleFormat.String.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "int16", "s16":
		return FormatInt16, nil
	case "int32", "s32":
		return FormatInt32, nil
	case "float32", "f32", "":
		return FormatFloat32, nil
	}
	return 0, fmt.Errorf("unknown sample format %q: %w", s, ErrConfigUnsupported)
}

// AudioConfig describes a stream. It is a value type: a stream copies it
// when opened, and changing any field requires opening a new stream.
type AudioConfig struct {
	SampleRate    uint32       `yaml:"sample_rate" json:"sample_rate"`
	Channels      uint16       `yaml:"channels" json:"channels"`
	Format        SampleFormat `yaml:"-" json:"format"`
	BufferSize    uint32       `yaml:"buffer_size" json:"buffer_size"` // frames per callback
	ExclusiveMode bool         `yaml:"exclusive_mode" json:"exclusive_mode"`
}

// DefaultAudioConfig is 44.1 kHz stereo float32 with 512-frame buffers in
// shared mode.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate: 44100,
		Channels:   2,
		Format:     FormatFloat32,
		BufferSize: 512,
	}
}

// LowLatencyConfig targets professional interfaces (about 2.7 ms at 48 kHz).
func LowLatencyConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    48000,
		Channels:      2,
		Format:        FormatFloat32,
		BufferSize:    128,
		ExclusiveMode: true,
	}
}

// UltraLowLatencyConfig halves LowLatencyConfig's buffer (about 1.3 ms).
func UltraLowLatencyConfig() AudioConfig {
	cfg := LowLatencyConfig()
	cfg.BufferSize = 64
	return cfg
}

// LatencyMs is the duration of one buffer in milliseconds.
func (c AudioConfig) LatencyMs() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(c.BufferSize) / float64(c.SampleRate) * 1000
}

// IsRealtime reports whether one buffer is shorter than 10 ms.
func (c AudioConfig) IsRealtime() bool {
	return c.LatencyMs() < 10
}

// SamplesPerBuffer is BufferSize * Channels.
func (c AudioConfig) SamplesPerBuffer() int {
	return int(c.BufferSize) * int(c.Channels)
}

// Validate rejects configurations no backend can open.
func (c AudioConfig) Validate() error {
	switch {
	case c.SampleRate == 0:
		return fmt.Errorf("sample rate must be positive: %w", ErrConfigUnsupported)
	case c.Channels == 0:
		return fmt.Errorf("channel count must be positive: %w", ErrConfigUnsupported)
	case c.BufferSize == 0:
		return fmt.Errorf("buffer size must be positive: %w", ErrConfigUnsupported)
	case c.Format.BytesPerSample() == 0:
		return fmt.Errorf("sample format %v: %w", c.Format, ErrConfigUnsupported)
	}
	return nil
}

// FallbackConfigs lists the alternatives tried, in order, after a backend
// reports ErrConfigUnsupported for c. The receiver itself is not included.
func (c AudioConfig) FallbackConfigs() []AudioConfig {
	var out []AudioConfig
	seen := map[AudioConfig]bool{c: true}
	add := func(alt AudioConfig) {
		if !seen[alt] {
			seen[alt] = true
			out = append(out, alt)
		}
	}

	alt := c
	if alt.ExclusiveMode {
		alt.ExclusiveMode = false
		add(alt)
	}
	if alt.Format == FormatFloat32 {
		alt.Format = FormatInt16
		add(alt)
	}
	for _, rate := range []uint32{48000, 44100} {
		r := alt
		r.SampleRate = rate
		add(r)
	}
	if alt.BufferSize < 1024 {
		b := alt
		b.BufferSize = 1024
		add(b)
	}
	return out
}

func (c AudioConfig) String() string {
	mode := "shared"
	if c.ExclusiveMode {
		mode = "exclusive"
	}
	return fmt.Sprintf("%dHz/%dch/%v/%d frames/%s", c.SampleRate, c.Channels, c.Format, c.BufferSize, mode)
}

// Direction selects the input or output side of a device.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// BackendKind is the closed set of backend variants. Code that needs a
// variant's specialized features switches on it and type-asserts.
type BackendKind int

const (
	BackendSharedMode BackendKind = iota
	BackendExclusiveMode
	BackendBrowser
	BackendHybrid
	BackendHeadless
)

func (k BackendKind) String() string {
	switch k {
	case BackendSharedMode:
		return "shared"
	case BackendExclusiveMode:
		return "exclusive"
	case BackendBrowser:
		return "browser"
	case BackendHybrid:
		return "hybrid"
	case BackendHeadless:
		return "headless"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// ParseBackendKind accepts the names produced by BackendKind.String.
func ParseBackendKind(s string) (BackendKind, error) {
	for k := BackendSharedMode; k <= BackendHeadless; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown backend %q: %w", s, ErrBackendNotAvailable)
}

// DeviceInfo is an immutable snapshot produced by enumeration.
type DeviceInfo struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Backend           BackendKind   `json:"backend"`
	Direction         Direction     `json:"direction"`
	IsDefault         bool          `json:"is_default"`
	MaxInputChannels  int           `json:"max_input_channels"`
	MaxOutputChannels int           `json:"max_output_channels"`
	MinSampleRate     uint32        `json:"min_sample_rate"`
	MaxSampleRate     uint32        `json:"max_sample_rate"`
	SupportedConfigs  []AudioConfig `json:"supported_configs,omitempty"`
}

// Supports reports whether cfg falls within the device's advertised limits.
func (d DeviceInfo) Supports(cfg AudioConfig) bool {
	maxCh := d.MaxOutputChannels
	if d.Direction == Input {
		maxCh = d.MaxInputChannels
	}
	if maxCh > 0 && int(cfg.Channels) > maxCh {
		return false
	}
	if d.MinSampleRate > 0 && cfg.SampleRate < d.MinSampleRate {
		return false
	}
	if d.MaxSampleRate > 0 && cfg.SampleRate > d.MaxSampleRate {
		return false
	}
	return true
}

// StreamStatus is the lifecycle state of an opened stream.
type StreamStatus int

const (
	StreamStopped StreamStatus = iota
	StreamPlaying
	StreamPaused
	StreamError
)

func (s StreamStatus) String() string {
	switch s {
	case StreamPlaying:
		return "playing"
	case StreamPaused:
		return "paused"
	case StreamError:
		return "error"
	default:
		return "stopped"
	}
}

// BufferStats is a read-only telemetry snapshot of one ring buffer.
type BufferStats struct {
	Capacity  int    `json:"capacity"`
	FillLevel int    `json:"fill_level"`
	Overruns  uint64 `json:"overruns"`
	Underruns uint64 `json:"underruns"`
}

// FillRatio is FillLevel relative to usable capacity.
func (s BufferStats) FillRatio() float64 {
	if s.Capacity <= 1 {
		return 0
	}
	return float64(s.FillLevel) / float64(s.Capacity-1)
}

// EndpointKind tags Sources and Destinations.
type EndpointKind int

const (
	SignalGenerator EndpointKind = iota
	FileDecoder
	InputDevice
	OutputDevice
	Encoder
	AnalysisTap
)

func (k EndpointKind) String() string {
	switch k {
	case SignalGenerator:
		return "signal_generator"
	case FileDecoder:
		return "file_decoder"
	case InputDevice:
		return "input_device"
	case OutputDevice:
		return "output_device"
	case Encoder:
		return "encoder"
	case AnalysisTap:
		return "analysis_tap"
	default:
		return fmt.Sprintf("EndpointKind(%d)", int(k))
	}
}

// ParseEndpointKind accepts the names produced by EndpointKind.String.
func ParseEndpointKind(s string) (EndpointKind, error) {
	for k := SignalGenerator; k <= AnalysisTap; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown endpoint kind %q", s)
}

// IsSource reports whether k may be used on the source side of a route.
func (k EndpointKind) IsSource() bool {
	return k == SignalGenerator || k == FileDecoder || k == InputDevice
}

// IsDestination reports whether k may be used on the destination side.
func (k EndpointKind) IsDestination() bool {
	return k == OutputDevice || k == Encoder || k == AnalysisTap
}

type (
	SourceID      uint64
	DestinationID uint64
	RouteID       uint64
)

// Route is a weighted connection from one Source to one Destination.
type Route struct {
	ID          RouteID       `json:"id"`
	Source      SourceID      `json:"source"`
	Destination DestinationID `json:"destination"`
	Gain        float32       `json:"gain"`
	Enabled     bool          `json:"enabled"`
	Muted       bool          `json:"muted"`
}

// EffectiveGain is the multiplier the mixer applies: zero when the route
// is muted or disabled.
func (r Route) EffectiveGain() float32 {
	if r.Muted || !r.Enabled {
		return 0
	}
	return r.Gain
}

// AudioDecoder is the common interface for all audio decoders (MP3, FLAC,
// WAV, Vorbis). Decoders produce interleaved little-endian integer PCM.
type AudioDecoder interface {
	// Open opens an audio file for decoding
	Open(fileName string) error

	// Close closes the decoder and releases resources
	Close() error

	// GetFormat returns sample rate (Hz), channels and bits per sample
	GetFormat() (rate, channels, bitsPerSample int)

	// DecodeSamples decodes up to samples frames into audio and returns the
	// number of frames decoded. audio must hold
	// samples * channels * (bitsPerSample/8) bytes. io.EOF marks the end.
	DecodeSamples(samples int, audio []byte) (int, error)
}
