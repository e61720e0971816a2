package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drgolem/audiorouter/internal/recorder"
	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/decoders"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/types"
)

var (
	renderOut  string
	renderRate uint32
	renderMono bool
	renderGain float32
	renderBits int
)

var renderCmd = &cobra.Command{
	Use:   "render <input_file>",
	Short: "Mix an audio file offline into a WAV file",
	Long: `Run a file through the routing engine without an audio device and write
the mixed result as WAV. The file is resampled to the target rate, scaled
by the route gain and soft clipped exactly as during playback.

Examples:
  # Render MP3 to 48kHz WAV
  audiorouter render input.mp3 --new-samplerate 48000 --out output.wav

  # FLAC to 44.1kHz mono, 6 dB hotter
  audiorouter render input.flac --new-samplerate 44100 --mono --gain 2 --out loud.wav

Supported Input Formats:
  MP3, FLAC, WAV, OGG Vorbis, AIFF

Output Format:
  WAV, 16, 24 or 32-bit PCM

Sample Rate Options:
  Common rates: 8000, 16000, 22050, 44100, 48000, 96000, 192000 Hz`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	f := renderCmd.Flags()
	f.Uint32Var(&renderRate, "new-samplerate", 48000, "Target sample rate in Hz")
	f.StringVarP(&renderOut, "out", "o", "out_rendered.wav", "Output WAV file path")
	f.BoolVar(&renderMono, "mono", false, "Mix down to mono")
	f.Float32VarP(&renderGain, "gain", "g", 1, "Route gain, 0-4")
	f.IntVar(&renderBits, "bits", 16, "Output bits per sample: 16, 24 or 32")
}

func runRender(cmd *cobra.Command, args []string) error {
	in := args[0]
	if renderRate == 0 || renderRate > 384000 {
		return fmt.Errorf("invalid sample rate %d, valid range 1-384000", renderRate)
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	dec, err := decoders.NewDecoder(in)
	if err != nil {
		return err
	}
	inRate, channels, bits := dec.GetFormat()
	dec.Close()
	if renderMono {
		channels = 1
	}

	audio := types.AudioConfig{
		SampleRate: renderRate,
		Channels:   uint16(channels),
		Format:     types.FormatFloat32,
		BufferSize: 1024,
	}
	ec, err := cfg.EngineConfig(log)
	if err != nil {
		return err
	}
	ec.Audio = audio
	ec.RingCapacity = 16 * audio.SamplesPerBuffer()
	ec.FFTSlots = 0
	ec.RTPrio.Enabled = false

	log.Info("Render starting",
		"input_file", in,
		"input_sample_rate", inRate,
		"input_bits_per_sample", bits,
		"output_sample_rate", renderRate,
		"output_channels", channels,
		"output_file", renderOut)

	nb := backend.NewNullBackend(backend.NullConfig{})
	e, err := engine.New(nb, ec)
	if err != nil {
		return err
	}
	defer e.Close()

	start := time.Now()
	frames, err := render(cmd.Context(), e, in, log)
	if err != nil {
		os.Remove(renderOut)
		return err
	}
	log.Info("Render complete",
		"output_frames", frames,
		"duration", formatDuration(time.Duration(float64(frames)/float64(renderRate)*float64(time.Second))),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sample_rate_ratio", fmt.Sprintf("%.3f", float64(renderRate)/float64(inRate)))
	return nil
}

// render pumps a headless clock stream as fast as the decoder and the
// recorder allow.
func render(ctx context.Context, e *engine.Engine, in string, log *slog.Logger) (uint64, error) {
	audio := e.Config().Audio
	spb := audio.SamplesPerBuffer()

	out, err := e.OpenStream("", audio)
	if err != nil {
		return 0, err
	}
	s, _ := e.Stream(out.ID)
	clock, ok := s.(*backend.NullStream)
	if !ok {
		return 0, fmt.Errorf("render needs a headless stream, got %T", s)
	}

	dst, err := e.CreateDestination(types.Encoder, renderOut)
	if err != nil {
		return 0, err
	}
	buf, _ := e.DestinationRing(dst)
	rcfg := recorder.DefaultConfig(renderOut, audio.SampleRate, int(audio.Channels))
	rcfg.BitDepth = renderBits
	rec, err := recorder.New(buf.Ring(), rcfg, log)
	if err != nil {
		return 0, err
	}
	recCtx, stopRec := context.WithCancel(context.Background())
	recDone := make(chan error, 1)
	go func() { recDone <- rec.Run(recCtx) }()

	p, err := e.StartFile(ctx, in)
	if err != nil {
		stopRec()
		<-recDone
		return 0, err
	}
	if _, err := e.Connect(p.Source, dst, renderGain); err != nil {
		stopRec()
		<-recDone
		return 0, err
	}
	src, _ := e.SourceRing(p.Source)

	for {
		done := false
		select {
		case <-p.Done():
			done = true
		case <-ctx.Done():
			stopRec()
			<-recDone
			return 0, ctx.Err()
		default:
		}
		fill := src.FillLevel()
		if done && fill == 0 {
			break
		}
		if (!done && fill < spb) || buf.Ring().AvailableWrite() < spb {
			time.Sleep(time.Millisecond)
			continue
		}
		clock.Pump(1)
	}

	stopRec()
	if err := <-recDone; err != nil {
		return 0, err
	}
	if p.Err() != nil {
		return 0, p.Err()
	}
	return rec.Status().Frames, nil
}
