package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/generator"
	"github.com/drgolem/audiorouter/pkg/types"
)

var (
	toneWave      string
	toneFreq      float64
	toneAmplitude float32
	toneGain      float32
	toneDuration  time.Duration
	toneDevice    string
	toneSpectrum  bool
)

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Play a test signal",
	Long: `Play a generated signal on an output device.

Examples:
  # One second of 440 Hz sine
  audiorouter tone --duration 1s

  # Square wave pushed into the soft clipper
  audiorouter tone --wave square --freq 220 --gain 3

  # Log the dominant spectrum bin while playing
  audiorouter tone --wave sawtooth --spectrum -v

Waveforms: sine, square, sawtooth, triangle, noise, silence`,
	Args: cobra.NoArgs,
	RunE: runTone,
}

func init() {
	rootCmd.AddCommand(toneCmd)
	f := toneCmd.Flags()
	f.StringVarP(&toneWave, "wave", "w", "sine", "Waveform")
	f.Float64Var(&toneFreq, "freq", 440, "Frequency in Hz")
	f.Float32VarP(&toneAmplitude, "amplitude", "a", 0.5, "Peak amplitude, 0-1")
	f.Float32VarP(&toneGain, "gain", "g", 1, "Route gain, 0-4")
	f.DurationVarP(&toneDuration, "duration", "t", 0, "Stop after this long (0 plays until interrupted)")
	f.StringVarP(&toneDevice, "device", "d", "", "Output device id, empty for default")
	f.BoolVar(&toneSpectrum, "spectrum", false, "Route the signal to a spectrum tap and log its peak bin")
}

func runTone(cmd *cobra.Command, args []string) error {
	wave, err := generator.ParseWaveform(toneWave)
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if toneDevice == "" {
		toneDevice = cfg.Audio.Device
	}
	e, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if toneDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, toneDuration)
		defer cancel()
	}

	out, err := e.OpenStream(toneDevice, e.Config().Audio)
	if err != nil {
		return err
	}
	p, err := e.StartGenerator(ctx, engine.ToneSpec{Waveform: wave, Frequency: toneFreq, Amplitude: toneAmplitude})
	if err != nil {
		return err
	}
	if _, err := e.Connect(p.Source, out.Destination, toneGain); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error {
		monitorEngine(gctx, e, 2*time.Second)
		return nil
	})
	if toneSpectrum {
		tap, err := e.CreateDestination(types.AnalysisTap, "spectrum")
		if err != nil {
			return err
		}
		if _, err := e.Connect(p.Source, tap, 1); err != nil {
			return err
		}
		g.Go(func() error {
			logSpectrum(gctx, e, tap)
			return nil
		})
	}

	log.Info("Playing tone", "wave", wave, "freq", toneFreq, "amplitude", toneAmplitude, "gain", toneGain)
	return g.Wait()
}

// logSpectrum logs the strongest bin of a tap once a second.
func logSpectrum(ctx context.Context, e *engine.Engine, tap types.DestinationID) {
	slot, ok := e.TapSlot(tap)
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	size := e.Config().FFTSize
	rate := float64(e.Config().Audio.SampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mags, ok := e.Spectrum(slot)
			if !ok || len(mags) == 0 {
				continue
			}
			peak := 0
			for i, m := range mags {
				if m > mags[peak] {
					peak = i
				}
			}
			e.Config().Logger.Info("Spectrum peak",
				"bin", peak,
				"frequency", float64(peak)*rate/float64(size),
				"magnitude", mags[peak])
		}
	}
}
