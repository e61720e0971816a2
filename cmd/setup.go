package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/drgolem/audiorouter/internal/config"
	"github.com/drgolem/audiorouter/internal/logging"
	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/types"
)

// loadConfig reads the config file and environment, applies the
// persistent flags and installs the logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if backendArg != "" {
		cfg.Backend.Kind = backendArg
	}
	if policyArg != "" {
		cfg.Backend.Policy = policyArg
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// newBackend builds the configured backend. Hybrid wraps every native
// backend of the platform.
func newBackend(cfg config.Config, log *slog.Logger) (backend.Backend, error) {
	kind, err := types.ParseBackendKind(cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	if kind == types.BackendHeadless {
		return backend.NewNullBackend(backend.NullConfig{Realtime: true}), nil
	}
	native := backend.Native(log)
	if kind == types.BackendHybrid {
		policy, err := backend.ParsePolicy(cfg.Backend.Policy)
		if err != nil {
			return nil, err
		}
		all := slices.Collect(maps.Values(native))
		return backend.NewHybrid(all, policy, log), nil
	}
	b, ok := native[kind]
	if !ok {
		return nil, fmt.Errorf("backend %v on this platform: %w", kind, types.ErrBackendNotAvailable)
	}
	for k, other := range native {
		if k != kind {
			other.Close()
		}
	}
	return b, nil
}

// newEngine builds the backend and the engine.
func newEngine(cfg config.Config, log *slog.Logger) (*engine.Engine, error) {
	ec, err := cfg.EngineConfig(log)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(b, ec)
	if err != nil {
		b.Close()
		return nil, err
	}
	log.Info("Engine ready",
		"session", e.Session(),
		"backend", b.Name(),
		"config", ec.Audio,
		"workers", ec.Workers)
	return e, nil
}

// monitorEngine logs a status line every interval until ctx is done.
func monitorEngine(ctx context.Context, e *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	rate := float64(e.Config().Audio.SampleRate)
	frames := uint64(e.Config().Audio.BufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := e.Stats()
			played := time.Duration(float64(st.Ticks*frames) / rate * float64(time.Second))
			slog.Info("Engine status",
				"backend", st.Backend,
				"health", st.Health,
				"played", formatDuration(played),
				"elapsed", formatDuration(time.Since(start)),
				"underruns", st.Totals.Underruns,
				"overruns", st.Totals.Overruns,
				"tasks_completed", st.Pool.Completed)

			for _, s := range st.Streams {
				peak := peakOf(st.Meters[s.Destination])
				slog.Debug("Stream status",
					"stream", s.ID,
					"status", s.Status,
					"latency_samples", s.LatencySamples,
					"faults", s.Faults,
					"peak_db", fmt.Sprintf("%.1f", meter.Decibels(peak)))
			}
			for _, src := range st.Sources {
				pct := src.Stats.FillRatio() * 100
				level := slog.LevelDebug
				if pct < 25 && src.Kind == types.FileDecoder {
					level = slog.LevelWarn
				}
				slog.Log(ctx, level, "Source buffer",
					"source", src.Name,
					"fill_percentage", fmt.Sprintf("%.1f%%", pct))
			}
		}
	}
}

func peakOf(levels []meter.Level) float32 {
	var p float32
	for _, l := range levels {
		p = max(p, l.Peak)
	}
	return p
}

// formatDuration renders d as hh:mm:ss.msec.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, ms%1000)
}
