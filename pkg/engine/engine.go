// Package engine wires the router, backends, worker pool and shared
// memory region into one audio routing engine.
//
// Control methods may be called from any goroutine. The realtime path is
// the device callback of the clock stream: it runs Router.Process and then
// drains its own destination ring, touching only atomics and preallocated
// buffers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
	"github.com/drgolem/audiorouter/pkg/router"
	"github.com/drgolem/audiorouter/pkg/rtprio"
	"github.com/drgolem/audiorouter/pkg/shm"
	"github.com/drgolem/audiorouter/pkg/types"
	"github.com/drgolem/audiorouter/pkg/workerpool"
)

// Config parameterizes an Engine. Zero fields take defaults.
type Config struct {
	Audio types.AudioConfig

	// RingCapacity is the sample capacity of every endpoint ring.
	RingCapacity int
	// SharedRings is how many endpoint rings live in the shared memory
	// region. Endpoints beyond that get private rings.
	SharedRings  int
	ScratchBytes int

	ClipThreshold float32
	Meter         meter.Config

	Workers        int
	MailboxTimeout time.Duration

	RTPrio rtprio.Settings

	FFTSize          int
	FFTSlots         int
	AnalysisInterval time.Duration
	EQBands          []dsp.Band

	HealthInterval  time.Duration
	ResampleQuality int

	Logger *slog.Logger
}

// DefaultConfig returns the engine defaults around audio.
func DefaultConfig(audio types.AudioConfig) Config {
	return Config{
		Audio:            audio,
		RingCapacity:     16 * audio.SamplesPerBuffer(),
		SharedRings:      16,
		ScratchBytes:     64 * 1024,
		ClipThreshold:    router.DefaultClipThreshold,
		Workers:          workerpool.DefaultWorkers(),
		MailboxTimeout:   workerpool.DefaultMailboxTimeout,
		RTPrio:           rtprio.Settings{Category: rtprio.Audio, CPU: -1},
		FFTSize:          2048,
		FFTSlots:         4,
		AnalysisInterval: 50 * time.Millisecond,
		EQBands:          dsp.DefaultBands(),
		HealthInterval:   100 * time.Millisecond,
		ResampleQuality:  soxr.HighQ,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Audio)
	if c.RingCapacity <= 0 {
		c.RingCapacity = def.RingCapacity
	}
	if c.SharedRings < 0 {
		c.SharedRings = 0
	}
	if c.ScratchBytes <= 0 {
		c.ScratchBytes = def.ScratchBytes
	}
	if c.ClipThreshold <= 0 {
		c.ClipThreshold = def.ClipThreshold
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MailboxTimeout <= 0 {
		c.MailboxTimeout = def.MailboxTimeout
	}
	if c.FFTSize <= 0 {
		c.FFTSize = def.FFTSize
	}
	if c.FFTSlots < 0 {
		c.FFTSlots = 0
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = def.AnalysisInterval
	}
	if c.EQBands == nil {
		c.EQBands = def.EQBands
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.ResampleQuality == 0 {
		c.ResampleQuality = def.ResampleQuality
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Meter.Channels = int(c.Audio.Channels)
	c.Meter.SampleRate = c.Audio.SampleRate
	return c
}

type sourceEntry struct {
	kind    types.EndpointKind
	name    string
	ring    *ringbuffer.RingBuffer
	shmRing int // index in the region, -1 for a private ring
	cancel  context.CancelFunc
	done    <-chan struct{} // closed when the producer has stopped writing
}

type destEntry struct {
	kind    types.EndpointKind
	name    string
	rec     *meter.RecordingBuffer
	shmRing int
	tap     *tapState
}

// Engine is the audio routing engine.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	session  string
	channels int

	backend  backend.Backend
	router   *router.Router
	pool     *workerpool.Pool
	region   *shm.Region
	elevator *rtprio.Elevator

	clock atomic.Pointer[streamState]

	mu        sync.Mutex
	sources   map[types.SourceID]*sourceEntry
	dests     map[types.DestinationID]*destEntry
	streams   map[string]*streamState
	freeRings []int
	freeSlots []int
	eqBands   []dsp.Band
	eqTask    types.TaskID
	eqGen     uint64
	closed    bool

	producers sync.WaitGroup
}

// New creates an engine on top of b and takes ownership of it.
func New(b backend.Backend, cfg Config) (*Engine, error) {
	if err := cfg.Audio.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine audio config: %w", err)
	}
	cfg = cfg.withDefaults()
	if _, err := dsp.NewAnalyzer(cfg.FFTSize); err != nil {
		return nil, err
	}

	region, err := shm.New(shm.Layout{
		Workers:      cfg.Workers,
		Rings:        cfg.SharedRings,
		RingCapacity: cfg.RingCapacity,
		FFTSlots:     cfg.FFTSlots,
		FFTBins:      cfg.FFTSize/2 + 1,
		EQBands:      len(cfg.EQBands),
		ScratchBytes: cfg.ScratchBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shared region: %w", err)
	}

	session := uuid.NewString()
	log := cfg.Logger.With("session", session)
	e := &Engine{
		cfg:      cfg,
		log:      log,
		session:  session,
		channels: int(cfg.Audio.Channels),
		backend:  b,
		region:   region,
		router: router.New(cfg.Audio,
			router.WithClipThreshold(cfg.ClipThreshold),
			router.WithLogger(log)),
		elevator: rtprio.NewElevator(cfg.RTPrio),
		sources:  make(map[types.SourceID]*sourceEntry),
		dests:    make(map[types.DestinationID]*destEntry),
		streams:  make(map[string]*streamState),
		eqBands:  slices.Clone(cfg.EQBands),
	}
	for i := 0; i < cfg.SharedRings; i++ {
		e.freeRings = append(e.freeRings, i)
	}
	for i := 0; i < cfg.FFTSlots; i++ {
		e.freeSlots = append(e.freeSlots, i)
	}

	e.pool = workerpool.New(dsp.Factory(region, log), workerpool.Config{
		Workers:        cfg.Workers,
		MailboxTimeout: cfg.MailboxTimeout,
		Logger:         log,
		StateHook: func(worker int, state types.WorkerState, task types.TaskID) {
			region.SetWorkerState(worker, uint32(state), uint64(task))
		},
	})

	if len(e.eqBands) > 0 {
		if _, err := e.submitEQ(); err != nil {
			e.pool.Close()
			return nil, err
		}
	}

	log.Info("engine created",
		"audio", cfg.Audio, "backend", b.Name(), "workers", cfg.Workers,
		"shm_bytes", len(region.Bytes()), "ring_capacity", region.Layout().RingCapacity)
	return e, nil
}

// Session is the engine's unique id.
func (e *Engine) Session() string { return e.session }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Backend returns the backend the engine plays through.
func (e *Engine) Backend() backend.Backend { return e.backend }

// Router exposes the routing graph for queries and fine-grained control.
func (e *Engine) Router() *router.Router { return e.router }

// Region returns the shared memory region.
func (e *Engine) Region() *shm.Region { return e.region }

// Elevator returns the callback thread elevator.
func (e *Engine) Elevator() *rtprio.Elevator { return e.elevator }

// ListDevices enumerates devices in dir across the backend.
func (e *Engine) ListDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	return e.backend.EnumerateDevices(dir)
}

// allocRing hands out a ring from the shared region, or a private ring
// when the region has none left. Caller holds e.mu.
func (e *Engine) allocRing() (*ringbuffer.RingBuffer, int) {
	if n := len(e.freeRings); n > 0 {
		idx := e.freeRings[n-1]
		e.freeRings = e.freeRings[:n-1]
		ring := e.region.Ring(idx)
		ring.Reset()
		return ring, idx
	}
	return ringbuffer.New(e.cfg.RingCapacity), -1
}

func (e *Engine) releaseRing(idx int) {
	if idx >= 0 {
		e.freeRings = append(e.freeRings, idx)
	}
}

// CreateSource adds a Source of kind backed by a new ring. Producers
// write into SourceRing(id).
func (e *Engine) CreateSource(kind types.EndpointKind, name string) (types.SourceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createSourceLocked(kind, name)
}

func (e *Engine) createSourceLocked(kind types.EndpointKind, name string) (types.SourceID, error) {
	if e.closed {
		return 0, errClosed
	}
	ring, idx := e.allocRing()
	id, err := e.router.AddSource(kind, name, ring)
	if err != nil {
		e.releaseRing(idx)
		return 0, err
	}
	e.sources[id] = &sourceEntry{kind: kind, name: name, ring: ring, shmRing: idx}
	return id, nil
}

// CreateDestination adds a Destination of kind with a metered ring.
// Analysis taps also get an FFT slot while one is free.
func (e *Engine) CreateDestination(kind types.EndpointKind, name string) (types.DestinationID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createDestinationLocked(kind, name)
}

func (e *Engine) createDestinationLocked(kind types.EndpointKind, name string) (types.DestinationID, error) {
	if e.closed {
		return 0, errClosed
	}
	ring, idx := e.allocRing()
	rec := meter.WrapRing(ring, e.cfg.Meter)
	id, err := e.router.AddDestination(kind, name, rec)
	if err != nil {
		e.releaseRing(idx)
		return 0, err
	}
	d := &destEntry{kind: kind, name: name, rec: rec, shmRing: idx}
	if kind == types.AnalysisTap {
		d.tap = e.newTapLocked()
		if d.tap == nil {
			e.log.Warn("no free FFT slot, tap is not analyzed", "destination_id", id)
		}
	}
	e.dests[id] = d
	return id, nil
}

// RemoveSource stops the source's producer, if any, and prunes its routes.
func (e *Engine) RemoveSource(id types.SourceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sources[id]
	if !ok {
		return fmt.Errorf("source %d: %w", id, types.ErrUnknownEndpoint)
	}
	if err := e.router.RemoveSource(id); err != nil {
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(e.sources, id)
	// The callback may still hold the previous snapshot for one tick and
	// the producer may be mid-write until it sees the cancellation.
	if s.shmRing >= 0 {
		e.deferRelease(s.shmRing, s.done)
	}
	return nil
}

// RemoveDestination prunes the destination's routes. Destinations owned
// by a stream are removed by CloseStream.
func (e *Engine) RemoveDestination(id types.DestinationID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.streams {
		if st.dir == types.Output && st.dst == id {
			return fmt.Errorf("destination %d belongs to stream %s", id, st.id)
		}
	}
	return e.removeDestinationLocked(id)
}

func (e *Engine) removeDestinationLocked(id types.DestinationID) error {
	d, ok := e.dests[id]
	if !ok {
		return fmt.Errorf("destination %d: %w", id, types.ErrUnknownEndpoint)
	}
	if err := e.router.RemoveDestination(id); err != nil {
		return err
	}
	if d.tap != nil {
		e.freeSlots = append(e.freeSlots, d.tap.slot)
	}
	delete(e.dests, id)
	if d.shmRing >= 0 {
		e.deferRelease(d.shmRing, nil)
	}
	return nil
}

// deferRelease returns a shared ring to the free list once its writer,
// if any, has stopped and the router has moved past any snapshot that
// referenced it. A nil writerDone means no writer.
func (e *Engine) deferRelease(idx int, writerDone <-chan struct{}) {
	version := e.router.Version()
	ticks := e.router.Ticks()
	go func() {
		if writerDone != nil {
			<-writerDone
		}
		deadline := time.Now().Add(time.Second)
		for e.router.Ticks() <= ticks && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.closed {
			e.releaseRing(idx)
		}
		e.log.Debug("shared ring released", "ring", idx, "table_version", version)
	}()
}

// Connect routes src to dst with gain, clamped to [0, 4].
func (e *Engine) Connect(src types.SourceID, dst types.DestinationID, gain float32) (types.RouteID, error) {
	return e.router.Connect(src, dst, gain)
}

// Disconnect removes a route.
func (e *Engine) Disconnect(id types.RouteID) error { return e.router.Disconnect(id) }

// SetGain changes a route's gain, clamped to [0, 4].
func (e *Engine) SetGain(id types.RouteID, gain float32) error { return e.router.SetGain(id, gain) }

// SetMuted mutes or unmutes a route.
func (e *Engine) SetMuted(id types.RouteID, muted bool) error { return e.router.SetMuted(id, muted) }

// SetEnabled enables or disables a route.
func (e *Engine) SetEnabled(id types.RouteID, enabled bool) error {
	return e.router.SetEnabled(id, enabled)
}

// Routes returns every route.
func (e *Engine) Routes() []types.Route { return e.router.Routes() }

// SourceRing returns the ring producers write for source id.
func (e *Engine) SourceRing(id types.SourceID) (*ringbuffer.RingBuffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sources[id]
	if !ok {
		return nil, false
	}
	return s.ring, true
}

// DestinationRing returns the ring the router writes for destination id.
// Encoders read from it; output streams drain it themselves.
func (e *Engine) DestinationRing(id types.DestinationID) (*meter.RecordingBuffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.dests[id]
	if !ok {
		return nil, false
	}
	return d.rec, true
}

// Meter returns the level meter of destination id.
func (e *Engine) Meter(id types.DestinationID) (*meter.Meter, bool) {
	rec, ok := e.DestinationRing(id)
	if !ok {
		return nil, false
	}
	return rec.Meter(), true
}

// Close stops producers and streams, drains the worker pool and closes the
// backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, s := range e.sources {
		if s.cancel != nil {
			s.cancel()
		}
	}
	streams := make([]*streamState, 0, len(e.streams))
	for _, st := range e.streams {
		streams = append(streams, st)
	}
	e.mu.Unlock()

	e.producers.Wait()
	e.clock.Store(nil)
	for _, st := range streams {
		if err := st.current().Close(); err != nil {
			e.log.Warn("failed to close stream", "stream", st.id, "error", err)
		}
	}
	poolErr := e.pool.Close()
	backendErr := e.backend.Close()
	e.log.Info("engine closed", "ticks", e.router.Ticks())
	if poolErr != nil {
		return poolErr
	}
	return backendErr
}
