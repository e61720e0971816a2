package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/drgolem/audiorouter/pkg/decoders"
	"github.com/drgolem/audiorouter/pkg/decoders/stream"
	"github.com/drgolem/audiorouter/pkg/feeder"
	"github.com/drgolem/audiorouter/pkg/generator"
	"github.com/drgolem/audiorouter/pkg/types"
)

// Producer is a goroutine filling one Source ring.
type Producer struct {
	Source types.SourceID
	done   chan struct{}
	err    error
}

// Done is closed when the producer stops.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Err is the reason the producer stopped. It is nil after a file played
// to the end and only valid once Done is closed.
func (p *Producer) Err() error { return p.err }

// start registers a Source and runs fn for it until ctx is done, the
// source is removed or the engine closes.
func (e *Engine) start(ctx context.Context, kind types.EndpointKind, name string,
	fn func(ctx context.Context, id types.SourceID, src *sourceEntry) error,
) (*Producer, error) {
	e.mu.Lock()
	id, err := e.createSourceLocked(kind, name)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	src := e.sources[id]
	ctx, cancel := context.WithCancel(ctx)
	p := &Producer{Source: id, done: make(chan struct{})}
	src.cancel = cancel
	src.done = p.done
	e.producers.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.producers.Done()
		defer close(p.done)
		defer cancel()
		err := fn(ctx, id, src)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			e.log.Error("producer failed", "source_id", id, "name", name, "error", err)
		}
		p.err = err
	}()
	return p, nil
}

// StartFile decodes path into a new FileDecoder Source, resampling and
// remapping channels to the engine format.
func (e *Engine) StartFile(ctx context.Context, path string) (*Producer, error) {
	dec, err := decoders.NewDecoder(path)
	if err != nil {
		return nil, err
	}
	return e.startDecoder(ctx, filepath.Base(path), dec)
}

// StartReader decodes raw interleaved PCM from r into a new FileDecoder
// Source. The producer stops at end of stream.
func (e *Engine) StartReader(ctx context.Context, name string, r io.Reader, format stream.AudioFormat) (*Producer, error) {
	dec, err := stream.NewDecoder(r, format)
	if err != nil {
		return nil, err
	}
	return e.startDecoder(ctx, name, dec)
}

// startDecoder owns dec from here on and closes it when the producer stops.
func (e *Engine) startDecoder(ctx context.Context, name string, dec types.AudioDecoder) (*Producer, error) {
	p, err := e.start(ctx, types.FileDecoder, name, func(ctx context.Context, id types.SourceID, src *sourceEntry) error {
		defer dec.Close()
		f, err := feeder.New(dec, src.ring, feeder.Config{
			SampleRate: e.cfg.Audio.SampleRate,
			Channels:   e.channels,
			Quality:    e.cfg.ResampleQuality,
		}, e.log.With("source_id", id))
		if err != nil {
			return err
		}
		return f.Run(ctx)
	})
	if err != nil {
		dec.Close()
		return nil, err
	}
	return p, nil
}

// ToneSpec describes a SignalGenerator source.
type ToneSpec struct {
	Waveform  generator.Waveform
	Frequency float64
	Amplitude float32
}

// StartGenerator runs a signal generator into a new SignalGenerator
// Source until ctx is done or the source is removed.
func (e *Engine) StartGenerator(ctx context.Context, spec ToneSpec) (*Producer, error) {
	g, err := generator.New(spec.Waveform, spec.Frequency, spec.Amplitude, e.channels, e.cfg.Audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("invalid generator: %w", err)
	}
	name := fmt.Sprintf("%v %.0f Hz", spec.Waveform, spec.Frequency)
	return e.start(ctx, types.SignalGenerator, name, func(ctx context.Context, _ types.SourceID, src *sourceEntry) error {
		return g.Run(ctx, src.ring, int(e.cfg.Audio.BufferSize))
	})
}
