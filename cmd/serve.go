package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/internal/config"
	"github.com/drgolem/audiorouter/internal/monitor"
	"github.com/drgolem/audiorouter/internal/recorder"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/generator"
	"github.com/drgolem/audiorouter/pkg/types"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a routing graph with the monitor server",
	Long: `Build the sources, destinations and routes declared in the graph section
of the config file, then serve telemetry until interrupted.

Monitor API:
  GET  /api/stats              engine snapshot
  GET  /api/devices            devices (?direction=input for capture)
  GET  /api/routes             routes
  POST /api/routes/:id/gain    {"gain": 1.5}
  POST /api/routes/:id/mute    {"muted": true}
  GET  /api/spectrum/:slot     latest magnitudes of an analysis tap
  GET  /api/eq                 equalizer bands
  PUT  /api/eq/:band           {"frequency": 1000, "gain_db": 3, "q": 1.4}
  GET  /api/tasks/:id          DSP task status
  WS   /ws/stats               stats pushed every monitor.stats_interval

Example graph:
  graph:
    sources:
      - {name: music, kind: file_decoder, file: song.flac}
      - {name: mic, kind: input_device}
    destinations:
      - {name: speakers, kind: output_device}
      - {name: scope, kind: analysis_tap}
      - {name: capture, kind: encoder, path: session.wav}
    routes:
      - {from: music, to: speakers, gain: 0.8}
      - {from: music, to: scope, gain: 1}
      - {from: mic, to: capture, gain: 1}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Monitor listen address (overrides monitor.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Monitor.Listen = serveListen
	}
	e, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Recorders stop after the engine so they drain the last blocks.
	recCtx, stopRecorders := context.WithCancel(context.Background())
	defer stopRecorders()
	var recorders errgroup.Group

	srv := monitor.New(e, monitor.Config{Listen: cfg.Monitor.Listen, StatsInterval: cfg.Monitor.StatsInterval}, log)
	if err := buildGraph(gctx, e, cfg, log, func(name string, r *recorder.Recorder) {
		srv.AddRecorder(name, r)
		recorders.Go(func() error { return r.Run(recCtx) })
	}); err != nil {
		stopRecorders()
		recorders.Wait()
		return err
	}

	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		monitorEngine(gctx, e, 5*time.Second)
		return nil
	})

	err = g.Wait()
	stopRecorders()
	if rerr := recorders.Wait(); err == nil {
		err = rerr
	}
	slog.Info("Exiting")
	return err
}

// buildGraph creates the configured endpoints and routes. Input and
// output devices open streams; encoders get a recorder passed to
// onRecorder.
func buildGraph(ctx context.Context, e *engine.Engine, cfg config.Config, log *slog.Logger, onRecorder func(string, *recorder.Recorder)) error {
	audio := e.Config().Audio
	sources := make(map[string]types.SourceID)
	dests := make(map[string]types.DestinationID)

	for _, s := range cfg.Graph.Sources {
		kind, _ := types.ParseEndpointKind(s.Kind)
		var id types.SourceID
		switch kind {
		case types.FileDecoder:
			p, err := e.StartFile(ctx, s.File)
			if err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
			id = p.Source
		case types.SignalGenerator:
			wave, err := generator.ParseWaveform(s.Waveform)
			if err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
			p, err := e.StartGenerator(ctx, engine.ToneSpec{Waveform: wave, Frequency: s.Frequency, Amplitude: s.Amplitude})
			if err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
			id = p.Source
		case types.InputDevice:
			h, err := e.OpenInputStream(s.Device, audio)
			if err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
			id = h.Source
		}
		sources[s.Name] = id
		log.Info("Source ready", "name", s.Name, "kind", kind, "source_id", id)
	}

	for _, d := range cfg.Graph.Destinations {
		kind, _ := types.ParseEndpointKind(d.Kind)
		var id types.DestinationID
		switch kind {
		case types.OutputDevice:
			device := d.Device
			if device == "" {
				device = cfg.Audio.Device
			}
			h, err := e.OpenStream(device, audio)
			if err != nil {
				return fmt.Errorf("destination %s: %w", d.Name, err)
			}
			id = h.Destination
		case types.Encoder:
			buf, rec, err := startRecorder(e, d.Name, d.Path, log)
			if err != nil {
				return fmt.Errorf("destination %s: %w", d.Name, err)
			}
			id = buf
			onRecorder(d.Name, rec)
		case types.AnalysisTap:
			tap, err := e.CreateDestination(types.AnalysisTap, d.Name)
			if err != nil {
				return fmt.Errorf("destination %s: %w", d.Name, err)
			}
			id = tap
			if slot, ok := e.TapSlot(tap); ok {
				log.Info("Spectrum tap", "name", d.Name, "slot", slot)
			} else {
				log.Warn("No FFT slot left for tap", "name", d.Name)
			}
		}
		dests[d.Name] = id
		log.Info("Destination ready", "name", d.Name, "kind", kind, "destination_id", id)
	}

	for _, r := range cfg.Graph.Routes {
		id, err := e.Connect(sources[r.From], dests[r.To], r.Gain)
		if err != nil {
			return fmt.Errorf("route %s -> %s: %w", r.From, r.To, err)
		}
		if r.Muted {
			e.SetMuted(id, true)
		}
		log.Info("Route connected", "route_id", id, "from", r.From, "to", r.To, "gain", r.Gain, "muted", r.Muted)
	}
	return nil
}
