package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drgolem/audiorouter/pkg/rtprio"
	"github.com/drgolem/audiorouter/pkg/types"
)

const sample = `
audio:
  sample_rate: 48000
  channels: 2
  format: int16
  buffer_size: 256
backend:
  kind: hybrid
  policy: prefer:shared
meter:
  time_constant: 150ms
pool:
  workers: 3
rtprio:
  enabled: true
  category: pro-audio
analysis:
  eq:
    - {frequency: 100, gain_db: 3, q: 0.7}
graph:
  sources:
    - {name: tone, kind: signal_generator, waveform: sine, frequency: 440, amplitude: 0.5}
  destinations:
    - {name: out, kind: output_device}
    - {name: rec, kind: encoder, path: out.wav}
  routes:
    - {from: tone, to: out, gain: 1}
    - {from: tone, to: rec, gain: 0.5}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audiorouter.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	audio, _ := cfg.AudioConfig()
	want := types.AudioConfig{SampleRate: 48000, Channels: 2, Format: types.FormatInt16, BufferSize: 256}
	if audio != want {
		t.Errorf("audio = %+v, want %+v", audio, want)
	}
	if cfg.Meter.TimeConstant != 150*time.Millisecond {
		t.Errorf("time constant = %v", cfg.Meter.TimeConstant)
	}
	if cfg.Meter.PeakHold != time.Second {
		t.Errorf("unset peak hold lost its default: %v", cfg.Meter.PeakHold)
	}
	if len(cfg.Graph.Routes) != 2 || cfg.Graph.Routes[1].Gain != 0.5 {
		t.Errorf("routes = %+v", cfg.Graph.Routes)
	}

	ec, err := cfg.EngineConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ec.Workers != 3 || !ec.RTPrio.Enabled || ec.RTPrio.Category != rtprio.ProAudio {
		t.Errorf("engine config = %+v", ec)
	}
	if len(ec.EQBands) != 1 || ec.EQBands[0].Frequency != 100 {
		t.Errorf("eq bands = %+v", ec.EQBands)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvPrefix+"SAMPLE_RATE", "96000")
	t.Setenv(EnvPrefix+"BACKEND", "headless")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.SampleRate != 96000 || cfg.Backend.Kind != "headless" || cfg.Log.Level != "debug" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	cfg := Default()
	env := map[string]string{EnvPrefix + "CHANNELS": "two", EnvPrefix + "EXCLUSIVE": "maybe"}
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Fatal("bad values accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero rate", func(c *Config) { c.Audio.SampleRate = 0 }, types.ErrConfigUnsupported},
		{"bad format", func(c *Config) { c.Audio.Format = "float64" }, types.ErrConfigUnsupported},
		{"bad backend", func(c *Config) { c.Backend.Kind = "alsa" }, types.ErrBackendNotAvailable},
		{"source on wrong side", func(c *Config) {
			c.Graph.Sources = []SourceSpec{{Name: "x", Kind: "encoder"}}
		}, types.ErrInvalidEndpoint},
		{"dangling route", func(c *Config) {
			c.Graph.Routes = []RouteSpec{{From: "a", To: "b"}}
		}, types.ErrUnknownEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Graph.Destinations = []DestinationSpec{{Name: "rec", Kind: "encoder"}}
	if err := cfg.Validate(); err == nil {
		t.Error("encoder without path accepted")
	}
}
