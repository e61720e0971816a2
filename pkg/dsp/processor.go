package dsp

import (
	"fmt"
	"log/slog"

	"github.com/drgolem/audiorouter/pkg/shm"
	"github.com/drgolem/audiorouter/pkg/types"
	"github.com/drgolem/audiorouter/pkg/workerpool"
)

// FFTRequest asks for the spectrum of Samples to be published in a shared
// memory FFT slot. Samples is owned by the task.
type FFTRequest struct {
	Slot     int
	Size     int
	Channels int
	Samples  []float32
}

// EQRequest designs coefficients for Bands and publishes them to the
// shared memory EQ section. A non-zero Generation orders designs: one
// older than the published design is dropped.
type EQRequest struct {
	Bands      []Band
	SampleRate uint32
	Generation uint64
}

// Writer receives processed audio. A router source ring fits.
type Writer interface {
	Write(p []float32) int
}

// ProcessRequest applies Effect to Samples in place and, if Output is set,
// writes the result there. Output must not be shared with another
// in-flight task.
type ProcessRequest struct {
	Effect     Effect
	Samples    []float32
	Channels   int
	SampleRate uint32
	Gain       float32 // EffectGain
	Target     float64 // EffectNormalize RMS, 0 means 0.1
	Drive      float32 // EffectDistortion
	Bands      []Band  // EffectEQ
	Output     Writer
}

// Processor runs DSP tasks for one pool worker.
type Processor struct {
	worker    int
	region    *shm.Region
	log       *slog.Logger
	analyzers map[int]*Analyzer
	spectrum  []float32
}

// NewProcessor creates a worker processor publishing into region, which
// may be nil when spectra and EQ are not shared.
func NewProcessor(worker int, region *shm.Region, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		worker:    worker,
		region:    region,
		log:       log.With("worker", worker),
		analyzers: make(map[int]*Analyzer),
	}
}

// Factory returns a workerpool.ProcessorFactory building Processors over
// region.
func Factory(region *shm.Region, log *slog.Logger) workerpool.ProcessorFactory {
	return func(worker int) workerpool.Processor {
		return NewProcessor(worker, region, log)
	}
}

// Process implements workerpool.Processor.
func (p *Processor) Process(task types.Task) error {
	switch task.Command {
	case types.ComputeFFT:
		req, ok := task.Payload.(FFTRequest)
		if !ok {
			return fmt.Errorf("compute fft: unexpected payload %T", task.Payload)
		}
		return p.computeFFT(req)
	case types.ApplyEQ:
		req, ok := task.Payload.(EQRequest)
		if !ok {
			return fmt.Errorf("apply eq: unexpected payload %T", task.Payload)
		}
		return p.applyEQ(req)
	case types.ProcessAudio:
		req, ok := task.Payload.(ProcessRequest)
		if !ok {
			return fmt.Errorf("process audio: unexpected payload %T", task.Payload)
		}
		return p.processAudio(req)
	default:
		return fmt.Errorf("unsupported command %v", task.Command)
	}
}

func (p *Processor) analyzer(size int) (*Analyzer, error) {
	if a, ok := p.analyzers[size]; ok {
		return a, nil
	}
	a, err := NewAnalyzer(size)
	if err != nil {
		return nil, err
	}
	p.analyzers[size] = a
	return a, nil
}

func (p *Processor) computeFFT(req FFTRequest) error {
	if p.region == nil {
		return fmt.Errorf("compute fft: no shared region")
	}
	if req.Slot < 0 || req.Slot >= p.region.Layout().FFTSlots {
		return fmt.Errorf("compute fft: slot %d out of range", req.Slot)
	}
	a, err := p.analyzer(req.Size)
	if err != nil {
		return fmt.Errorf("compute fft: %w", err)
	}
	p.spectrum = a.Magnitudes(req.Samples, req.Channels, p.spectrum)
	p.region.WriteSpectrum(req.Slot, p.spectrum)
	return nil
}

func (p *Processor) applyEQ(req EQRequest) error {
	if p.region == nil {
		return fmt.Errorf("apply eq: no shared region")
	}
	coeffs, err := Design(req.Bands, req.SampleRate)
	if err != nil {
		return fmt.Errorf("apply eq: %w", err)
	}
	raw := make([][shm.EQCoeffsPerBand]float32, len(coeffs))
	for i, c := range coeffs {
		raw[i] = c
	}
	v, ok := p.region.StoreEQ(req.Generation, raw)
	if !ok {
		p.log.Debug("stale eq design dropped", "generation", req.Generation, "published", p.region.EQGeneration())
		return nil
	}
	p.log.Debug("eq published", "bands", len(raw), "version", v, "generation", req.Generation)
	return nil
}

func (p *Processor) processAudio(req ProcessRequest) error {
	ch := max(req.Channels, 1)
	switch req.Effect {
	case EffectGain:
		Gain(req.Samples, req.Gain)
	case EffectNormalize:
		target := req.Target
		if target <= 0 {
			target = 0.1
		}
		Normalize(req.Samples, target)
	case EffectReverb:
		Reverb(req.Samples, ch)
	case EffectDelay:
		Delay(req.Samples, ch)
	case EffectChorus:
		Chorus(req.Samples, ch, req.SampleRate)
	case EffectDistortion:
		Distortion(req.Samples, req.Drive)
	case EffectEQ:
		coeffs, err := Design(req.Bands, req.SampleRate)
		if err != nil {
			return fmt.Errorf("process audio: %w", err)
		}
		NewChain(coeffs, ch).Process(req.Samples)
	default:
		return fmt.Errorf("process audio: unknown effect %v", req.Effect)
	}

	if req.Output != nil {
		if n := req.Output.Write(req.Samples); n < len(req.Samples) {
			p.log.Warn("effect output truncated", "effect", req.Effect, "wrote", n, "want", len(req.Samples))
		}
	}
	return nil
}
