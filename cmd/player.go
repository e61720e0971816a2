package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/internal/recorder"
	"github.com/drgolem/audiorouter/pkg/decoders/stream"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
	"github.com/drgolem/audiorouter/pkg/types"
)

var (
	playDevice string
	playGain   float32
	playFrames uint32
	playRecord string
	rawRate    int
	rawCh      int
	rawBits    int
)

// playerCmd represents the play command
var playerCmd = &cobra.Command{
	Use:   "play <audio_file> [audio_file...]",
	Short: "Play audio files (MP3, FLAC, WAV, OGG, AIFF)",
	Long: `Play one or more audio files in order through the routing engine.

Each file becomes a decoder source, resampled to the engine rate and routed
to the output stream with the given gain. Gains above 1 drive the soft
clipper instead of wrapping.

Examples:
  # Play an MP3 file on the default device
  audiorouter play music.mp3

  # Play a list through PortAudio device 3
  audiorouter play --backend shared --device pa:3 *.flac

  # Lower latency with a smaller buffer
  audiorouter play --frames 128 music.flac

  # Play and record the mix
  audiorouter play --record mix.wav song.ogg

  # Raw 16-bit stereo PCM from stdin
  ffmpeg -i in.m4a -f s16le -ac 2 -ar 44100 - | audiorouter play -

Supported Formats:
  MP3:  .mp3
  FLAC: .flac, .fla
  WAV:  .wav
  OGG:  .ogg (Vorbis)
  AIFF: .aiff, .aif
  Raw:  - reads little-endian PCM from stdin (--raw-rate, --raw-channels, --raw-bits)

Status Reporting:
  Engine status is logged every 2 seconds; --verbose adds per-stream
  latency, faults and peak level.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlayer,
}

func init() {
	rootCmd.AddCommand(playerCmd)

	playerCmd.Flags().StringVarP(&playDevice, "device", "d", "", "Output device id (see 'devices'), empty for default")
	playerCmd.Flags().Float32VarP(&playGain, "gain", "g", 1, "Route gain, 0-4")
	playerCmd.Flags().Uint32VarP(&playFrames, "frames", "f", 0, "Frames per device buffer (0 keeps the configured size)")
	playerCmd.Flags().StringVarP(&playRecord, "record", "r", "", "Also record the mix to this WAV file")
	playerCmd.Flags().IntVar(&rawRate, "raw-rate", 44100, "Sample rate of raw stdin input")
	playerCmd.Flags().IntVar(&rawCh, "raw-channels", 2, "Channels of raw stdin input")
	playerCmd.Flags().IntVar(&rawBits, "raw-bits", 16, "Bits per sample of raw stdin input: 8, 16, 24 or 32")
}

func runPlayer(cmd *cobra.Command, args []string) error {
	for _, f := range args {
		if f == "-" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("file not found: %s", f)
		}
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if playFrames > 0 {
		cfg.Audio.BufferSize = playFrames
	}
	if playDevice == "" {
		playDevice = cfg.Audio.Device
	}
	e, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := e.OpenStream(playDevice, e.Config().Audio)
	if err != nil {
		return err
	}
	sinks := []types.DestinationID{out.Destination}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error {
		monitorEngine(gctx, e, 2*time.Second)
		return nil
	})

	var recCancel context.CancelFunc
	if playRecord != "" {
		dst, rec, err := startRecorder(e, filepath.Base(playRecord), playRecord, log)
		if err != nil {
			return err
		}
		sinks = append(sinks, dst)
		var recCtx context.Context
		// The recorder outlives the playlist so the tail is drained.
		recCtx, recCancel = context.WithCancel(context.Background())
		g.Go(func() error { return rec.Run(recCtx) })
	}

	playErr := playFiles(gctx, e, args, sinks, log)
	if recCancel != nil {
		recCancel()
	}
	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	if playErr != nil && ctx.Err() == nil {
		return playErr
	}
	slog.Info("Exiting")
	return nil
}

// playFiles plays each file to completion, routing it to every sink.
func playFiles(ctx context.Context, e *engine.Engine, files []string, sinks []types.DestinationID, log *slog.Logger) error {
	for i, f := range files {
		p, err := startPlayback(ctx, e, f)
		if err != nil {
			log.Error("Failed to open file", "path", f, "error", err)
			continue
		}
		for _, dst := range sinks {
			if _, err := e.Connect(p.Source, dst, playGain); err != nil {
				e.RemoveSource(p.Source)
				return err
			}
		}
		log.Info("Playing", "file", filepath.Base(f), "track", fmt.Sprintf("%d/%d", i+1, len(files)))

		ring, _ := e.SourceRing(p.Source)
		err = waitDrained(ctx, p, ring)
		e.RemoveSource(p.Source)
		if err != nil {
			return err
		}
		if p.Err() != nil {
			log.Error("Playback failed", "file", f, "error", p.Err())
		}
	}
	return nil
}

// startPlayback starts a file, or raw stdin for "-".
func startPlayback(ctx context.Context, e *engine.Engine, f string) (*engine.Producer, error) {
	if f != "-" {
		return e.StartFile(ctx, f)
	}
	return e.StartReader(ctx, "stdin", os.Stdin, stream.AudioFormat{
		SampleRate:     rawRate,
		Channels:       rawCh,
		BytesPerSample: rawBits / 8,
	})
}

// waitDrained returns once the producer is done and the router has
// consumed what it wrote.
func waitDrained(ctx context.Context, p *engine.Producer, ring *ringbuffer.RingBuffer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Done():
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for ring.FillLevel() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// startRecorder adds an Encoder destination and a recorder draining it.
func startRecorder(e *engine.Engine, name, path string, log *slog.Logger) (types.DestinationID, *recorder.Recorder, error) {
	dst, err := e.CreateDestination(types.Encoder, name)
	if err != nil {
		return 0, nil, err
	}
	buf, _ := e.DestinationRing(dst)
	audio := e.Config().Audio
	rec, err := recorder.New(buf.Ring(), recorder.DefaultConfig(path, audio.SampleRate, int(audio.Channels)), log)
	if err != nil {
		e.RemoveDestination(dst)
		return 0, nil, err
	}
	return dst, rec, nil
}
