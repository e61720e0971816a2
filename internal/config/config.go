// Package config loads the audiorouter configuration: built-in defaults,
// then an optional YAML file, then AUDIOROUTER_* environment variables.
// Command-line flags are applied last by the cmd package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/router"
	"github.com/drgolem/audiorouter/pkg/rtprio"
	"github.com/drgolem/audiorouter/pkg/types"
	"github.com/drgolem/audiorouter/pkg/workerpool"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUDIOROUTER_"

// Config is the file and environment configuration.
type Config struct {
	Audio    Audio    `yaml:"audio"`
	Backend  Backend  `yaml:"backend"`
	Router   Router   `yaml:"router"`
	Meter    Meter    `yaml:"meter"`
	Pool     Pool     `yaml:"pool"`
	RTPrio   RTPrio   `yaml:"rtprio"`
	Analysis Analysis `yaml:"analysis"`
	Monitor  Monitor  `yaml:"monitor"`
	Log      Log      `yaml:"log"`
	Graph    Graph    `yaml:"graph"`
}

// Audio is the engine format and the output stream request.
type Audio struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint16 `yaml:"channels"`
	Format     string `yaml:"format"`      // int16, int32 or float32
	BufferSize uint32 `yaml:"buffer_size"` // frames
	Exclusive  bool   `yaml:"exclusive"`
	Device     string `yaml:"device"` // output device id, empty for default
}

// Backend selects the audio backend.
type Backend struct {
	// Kind is hybrid, shared, exclusive, browser or headless.
	Kind string `yaml:"kind"`
	// Policy is the hybrid fallback policy: manual, auto or prefer:<kind>.
	Policy string `yaml:"policy"`
}

type Router struct {
	ClipThreshold float32 `yaml:"clip_threshold"`
}

type Meter struct {
	TimeConstant time.Duration `yaml:"time_constant"`
	PeakHold     time.Duration `yaml:"peak_hold"`
}

type Pool struct {
	Workers        int           `yaml:"workers"` // 0 means NumCPU-1
	MailboxTimeout time.Duration `yaml:"mailbox_timeout"`
}

type RTPrio struct {
	Enabled  bool   `yaml:"enabled"`
	Category string `yaml:"category"`
	Priority int    `yaml:"priority"`
	CPU      int    `yaml:"cpu"`
}

type Analysis struct {
	FFTSize  int           `yaml:"fft_size"`
	Slots    int           `yaml:"slots"`
	Interval time.Duration `yaml:"interval"`
	EQ       []dsp.Band    `yaml:"eq"`
}

type Monitor struct {
	Listen        string        `yaml:"listen"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Graph is a routing graph built at startup by the serve command.
type Graph struct {
	Sources      []SourceSpec      `yaml:"sources"`
	Destinations []DestinationSpec `yaml:"destinations"`
	Routes       []RouteSpec       `yaml:"routes"`
}

// SourceSpec declares a Source. Kind is signal_generator, file_decoder or
// input_device.
type SourceSpec struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"`
	File      string  `yaml:"file"`
	Waveform  string  `yaml:"waveform"`
	Frequency float64 `yaml:"frequency"`
	Amplitude float32 `yaml:"amplitude"`
	Device    string  `yaml:"device"`
}

// DestinationSpec declares a Destination. Kind is output_device, encoder
// or analysis_tap. Path is the WAV file an encoder writes.
type DestinationSpec struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Device string `yaml:"device"`
	Path   string `yaml:"path"`
}

// RouteSpec connects two declared endpoints by name.
type RouteSpec struct {
	From  string  `yaml:"from"`
	To    string  `yaml:"to"`
	Gain  float32 `yaml:"gain"`
	Muted bool    `yaml:"muted"`
}

// Default returns the built-in configuration.
func Default() Config {
	audio := types.DefaultAudioConfig()
	return Config{
		Audio: Audio{
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			Format:     audio.Format.String(),
			BufferSize: audio.BufferSize,
		},
		Backend:  Backend{Kind: types.BackendHybrid.String(), Policy: "auto"},
		Router:   Router{ClipThreshold: router.DefaultClipThreshold},
		Meter:    Meter{TimeConstant: meter.DefaultTimeConstant, PeakHold: meter.DefaultPeakHold},
		Pool:     Pool{MailboxTimeout: workerpool.DefaultMailboxTimeout},
		RTPrio:   RTPrio{Category: rtprio.Audio.String(), CPU: -1},
		Analysis: Analysis{FFTSize: 2048, Slots: 4, Interval: 50 * time.Millisecond},
		Monitor:  Monitor{Listen: ":8090", StatsInterval: 250 * time.Millisecond},
		Log:      Log{Level: "info"},
	}
}

// Load reads path (skipped when empty), applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AUDIOROUTER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, bits int, set func(uint64)) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseUint(v, 10, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			set(n)
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("SAMPLE_RATE", 32, func(n uint64) { c.Audio.SampleRate = uint32(n) })
	num("CHANNELS", 16, func(n uint64) { c.Audio.Channels = uint16(n) })
	num("BUFFER_SIZE", 32, func(n uint64) { c.Audio.BufferSize = uint32(n) })
	num("WORKERS", 16, func(n uint64) { c.Pool.Workers = int(n) })
	str("FORMAT", &c.Audio.Format)
	str("DEVICE", &c.Audio.Device)
	flag("EXCLUSIVE", &c.Audio.Exclusive)
	str("BACKEND", &c.Backend.Kind)
	str("FALLBACK", &c.Backend.Policy)
	flag("RTPRIO", &c.RTPrio.Enabled)
	str("LISTEN", &c.Monitor.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return errors.Join(errs...)
}

// Validate checks every enumerated field and the audio format.
func (c Config) Validate() error {
	if _, err := c.AudioConfig(); err != nil {
		return err
	}
	if _, err := types.ParseBackendKind(c.Backend.Kind); err != nil {
		return err
	}
	if _, err := backend.ParsePolicy(c.Backend.Policy); err != nil {
		return err
	}
	if _, err := rtprio.ParseCategory(c.RTPrio.Category); err != nil {
		return err
	}
	if c.Router.ClipThreshold <= 0 || c.Router.ClipThreshold >= 1 {
		return fmt.Errorf("clip_threshold must be in (0, 1), got %v", c.Router.ClipThreshold)
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Pool.Workers)
	}
	return c.Graph.Validate()
}

// AudioConfig converts the audio section.
func (c Config) AudioConfig() (types.AudioConfig, error) {
	format, err := types.ParseSampleFormat(c.Audio.Format)
	if err != nil {
		return types.AudioConfig{}, err
	}
	a := types.AudioConfig{
		SampleRate:    c.Audio.SampleRate,
		Channels:      c.Audio.Channels,
		Format:        format,
		BufferSize:    c.Audio.BufferSize,
		ExclusiveMode: c.Audio.Exclusive,
	}
	return a, a.Validate()
}

// EngineConfig maps the configuration onto engine settings.
func (c Config) EngineConfig(log *slog.Logger) (engine.Config, error) {
	audio, err := c.AudioConfig()
	if err != nil {
		return engine.Config{}, err
	}
	category, err := rtprio.ParseCategory(c.RTPrio.Category)
	if err != nil {
		return engine.Config{}, err
	}

	ec := engine.DefaultConfig(audio)
	ec.ClipThreshold = c.Router.ClipThreshold
	ec.Meter.TimeConstant = c.Meter.TimeConstant
	ec.Meter.PeakHold = c.Meter.PeakHold
	if c.Pool.Workers > 0 {
		ec.Workers = c.Pool.Workers
	}
	if c.Pool.MailboxTimeout > 0 {
		ec.MailboxTimeout = c.Pool.MailboxTimeout
	}
	ec.RTPrio = rtprio.Settings{
		Enabled:  c.RTPrio.Enabled,
		Category: category,
		Priority: c.RTPrio.Priority,
		CPU:      c.RTPrio.CPU,
	}
	if c.Analysis.FFTSize > 0 {
		ec.FFTSize = c.Analysis.FFTSize
	}
	if c.Analysis.Slots > 0 {
		ec.FFTSlots = c.Analysis.Slots
	}
	if c.Analysis.Interval > 0 {
		ec.AnalysisInterval = c.Analysis.Interval
	}
	if len(c.Analysis.EQ) > 0 {
		ec.EQBands = c.Analysis.EQ
	}
	ec.Logger = log
	return ec, nil
}

// Validate checks endpoint kinds, unique names and that every route
// refers to declared endpoints on the right side.
func (g Graph) Validate() error {
	sources := make(map[string]bool, len(g.Sources))
	for _, s := range g.Sources {
		k, err := types.ParseEndpointKind(s.Kind)
		if err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
		if !k.IsSource() {
			return fmt.Errorf("source %q: %w", s.Name, types.ErrInvalidEndpoint)
		}
		if s.Name == "" || sources[s.Name] {
			return fmt.Errorf("source name %q empty or repeated", s.Name)
		}
		if k == types.FileDecoder && s.File == "" {
			return fmt.Errorf("source %q: file is required", s.Name)
		}
		sources[s.Name] = true
	}
	dests := make(map[string]bool, len(g.Destinations))
	for _, d := range g.Destinations {
		k, err := types.ParseEndpointKind(d.Kind)
		if err != nil {
			return fmt.Errorf("destination %q: %w", d.Name, err)
		}
		if !k.IsDestination() {
			return fmt.Errorf("destination %q: %w", d.Name, types.ErrInvalidEndpoint)
		}
		if d.Name == "" || dests[d.Name] {
			return fmt.Errorf("destination name %q empty or repeated", d.Name)
		}
		if k == types.Encoder && d.Path == "" {
			return fmt.Errorf("destination %q: path is required", d.Name)
		}
		dests[d.Name] = true
	}
	for _, r := range g.Routes {
		if !sources[r.From] || !dests[r.To] {
			return fmt.Errorf("route %s -> %s: %w", r.From, r.To, types.ErrUnknownEndpoint)
		}
	}
	return nil
}
