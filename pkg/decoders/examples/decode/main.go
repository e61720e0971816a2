package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/pkg/decoders"
	"github.com/drgolem/audiorouter/pkg/feeder"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
)

func main() {
	rate := flag.Uint("rate", 48000, "Output sample rate in Hz")
	channels := flag.Int("channels", 2, "Output channels")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: decode [-rate hz] [-channels n] <audio_file>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Decodes a file into float samples at the given rate and prints its levels")
		os.Exit(1)
	}
	inputFile := flag.Arg(0)

	fmt.Printf("Opening: %s\n", inputFile)
	dec, err := decoders.NewDecoder(inputFile)
	if err != nil {
		log.Fatalf("Failed to open file: %v", err)
	}
	defer dec.Close()

	inRate, inCh, bps := dec.GetFormat()
	fmt.Printf("Sample Rate: %d Hz\n", inRate)
	fmt.Printf("Channels: %d\n", inCh)
	fmt.Printf("Bits Per Sample: %d\n", bps)
	fmt.Println()

	ring := ringbuffer.New(64 * 1024)
	cfg := feeder.DefaultConfig()
	cfg.SampleRate = uint32(*rate)
	cfg.Channels = *channels
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f, err := feeder.New(dec, ring, cfg, quiet)
	if err != nil {
		log.Fatalf("Failed to create feeder: %v", err)
	}

	m := meter.New(meter.Config{Channels: *channels, SampleRate: cfg.SampleRate})
	peaks := make([]float32, *channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	start := time.Now()
	g.Go(func() error {
		defer cancel()
		return f.Run(gctx)
	})
	g.Go(func() error {
		block := make([]float32, 1024*(*channels))
		var total uint64
		for {
			n := min(ring.FillLevel(), len(block))
			n -= n % *channels
			if n == 0 {
				if f.Finished() || gctx.Err() != nil {
					fmt.Printf("Frames consumed: %d\n", total)
					return nil
				}
				time.Sleep(time.Millisecond)
				continue
			}
			ring.Read(block[:n])
			m.Process(block[:n])
			for ch := range peaks {
				peaks[ch] = max(peaks[ch], m.Peak(ch))
			}
			total += uint64(n / *channels)
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Decode failed: %v", err)
	}

	frames := f.FramesWritten()
	fmt.Printf("Resampled: %v\n", f.Resampling())
	fmt.Printf("Frames at %d Hz: %d\n", cfg.SampleRate, frames)
	fmt.Printf("Duration: %.2f seconds\n", float64(frames)/float64(cfg.SampleRate))
	fmt.Printf("Decode time: %v\n", time.Since(start).Round(time.Millisecond))
	for ch, p := range peaks {
		fmt.Printf("Channel %d: peak %.1f dBFS, final RMS %.1f dBFS\n", ch, meter.Decibels(p), meter.Decibels(m.RMS(ch)))
	}
}
