// Package router mixes audio Sources into Destinations over a route graph.
//
// The real-time side calls Process once per device buffer. Control
// goroutines mutate the graph; each mutation builds a new immutable table
// and publishes it with a single atomic pointer store, so Process never
// takes a lock and never observes a half-applied change.
package router

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Tap is the read side of a Source's backing buffer. Read must fill p
// completely, zero-filling any shortfall.
type Tap interface {
	Read(p []float32) int
	Stats() types.BufferStats
}

// Sink is the write side of a Destination's backing buffer.
type Sink interface {
	Write(p []float32) int
	Stats() types.BufferStats
}

// Endpoint describes a Source or Destination for callers.
type Endpoint struct {
	ID    uint64             `json:"id"`
	Kind  types.EndpointKind `json:"kind"`
	Name  string             `json:"name"`
	Gain  float32            `json:"gain"`
	Stats types.BufferStats  `json:"stats"`
}

type source struct {
	id   types.SourceID
	kind types.EndpointKind
	name string
	tap  Tap
	gain atomic.Uint32
}

type destination struct {
	id   types.DestinationID
	kind types.EndpointKind
	name string
	sink Sink
	gain atomic.Uint32
}

func loadGain(a *atomic.Uint32) float32 { return math.Float32frombits(a.Load()) }

// input is one route as seen by Process.
type input struct {
	src  int // index into table.active
	gain float32
}

type mixPlan struct {
	dest   *destination
	inputs []input
	mix    []float32
}

// table is an immutable snapshot of the graph plus the scratch buffers
// Process uses with it. Buffers belong to the snapshot so a new snapshot
// never shares memory with one the audio thread may still be using.
type table struct {
	version uint64
	sources []*source
	dests   []*destination
	routes  []types.Route

	active  []*source   // sources read this tick, each exactly once
	srcBufs [][]float32 // parallel to active
	plans   []mixPlan   // parallel to dests
}

// Router owns the graph.
//
// Thread Safety Model:
//   - Process() must only be called from the audio callback goroutine
//   - every other method may be called from any non-real-time goroutine
//   - mutations are serialized by mu and published via current
type Router struct {
	channels   int
	maxSamples int
	clipper    Clipper
	logger     *slog.Logger

	mu      sync.Mutex // serializes writers; never taken by Process
	current atomic.Pointer[table]
	nextSrc types.SourceID
	nextDst types.DestinationID
	nextRt  types.RouteID

	ticks atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithClipThreshold sets the soft-clip threshold.
func WithClipThreshold(t float32) Option {
	return func(r *Router) { r.clipper = NewClipper(t) }
}

// WithLogger sets the logger used for graph changes.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router for buffers of cfg.BufferSize frames of
// cfg.Channels interleaved channels. Process accepts larger requests and
// handles them in BufferSize chunks.
func New(cfg types.AudioConfig, opts ...Option) *Router {
	r := &Router{
		channels:   max(int(cfg.Channels), 1),
		maxSamples: max(cfg.SamplesPerBuffer(), 1),
		clipper:    NewClipper(DefaultClipThreshold),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&table{})
	return r
}

// Channels returns the interleaved channel count.
func (r *Router) Channels() int { return r.channels }

// Clipper returns the router's saturation curve.
func (r *Router) Clipper() Clipper { return r.clipper }

// Ticks returns how many buffers Process has produced.
func (r *Router) Ticks() uint64 { return r.ticks.Load() }

// Version increments on every published change.
func (r *Router) Version() uint64 { return r.current.Load().version }

// Process runs one mixing pass of frames frames. It must only be called
// from the audio callback goroutine; it does not lock or allocate.
func (r *Router) Process(frames int) {
	t := r.current.Load()
	chunk := r.maxSamples / r.channels
	for done := 0; done < frames; done += chunk {
		r.process(t, min(chunk, frames-done)*r.channels)
	}
	r.ticks.Add(1)
}

func (r *Router) process(t *table, n int) {
	for i, s := range t.active {
		buf := t.srcBufs[i][:n]
		s.tap.Read(buf)
		if g := loadGain(&s.gain); g != 1 {
			for j := range buf {
				buf[j] *= g
			}
		}
	}

	for p := range t.plans {
		plan := &t.plans[p]
		mix := plan.mix[:n]
		clear(mix)

		for _, in := range plan.inputs {
			if in.gain == 0 {
				continue
			}
			src := t.srcBufs[in.src][:n]
			if in.gain == 1 {
				for j, v := range src {
					mix[j] += v
				}
				continue
			}
			for j, v := range src {
				mix[j] += v * in.gain
			}
		}

		if g := loadGain(&plan.dest.gain); g != 1 {
			for j := range mix {
				mix[j] *= g
			}
		}
		r.clipper.Process(mix)
		plan.dest.sink.Write(mix)
	}
}

// publish builds the Process plan for a graph and swaps it in. Callers
// hold mu.
func (r *Router) publish(sources []*source, dests []*destination, routes []types.Route) {
	prev := r.current.Load()
	t := &table{
		version: prev.version + 1,
		sources: sources,
		dests:   dests,
		routes:  routes,
	}

	activeIdx := make(map[types.SourceID]int)
	for _, rt := range routes {
		if !rt.Enabled {
			continue
		}
		if _, ok := activeIdx[rt.Source]; ok {
			continue
		}
		for _, s := range sources {
			if s.id == rt.Source {
				activeIdx[rt.Source] = len(t.active)
				t.active = append(t.active, s)
				t.srcBufs = append(t.srcBufs, make([]float32, r.maxSamples))
				break
			}
		}
	}

	t.plans = make([]mixPlan, len(dests))
	for i, d := range dests {
		plan := mixPlan{dest: d, mix: make([]float32, r.maxSamples)}
		for _, rt := range routes {
			if rt.Destination != d.id || !rt.Enabled {
				continue
			}
			plan.inputs = append(plan.inputs, input{src: activeIdx[rt.Source], gain: rt.EffectiveGain()})
		}
		t.plans[i] = plan
	}

	r.current.Store(t)
}

// AddSource registers a Source backed by tap.
func (r *Router) AddSource(kind types.EndpointKind, name string, tap Tap) (types.SourceID, error) {
	if !kind.IsSource() {
		return 0, fmt.Errorf("%v as source: %w", kind, types.ErrInvalidEndpoint)
	}
	if tap == nil {
		return 0, fmt.Errorf("source %q has no buffer", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSrc++
	s := &source{id: r.nextSrc, kind: kind, name: name, tap: tap}
	s.gain.Store(math.Float32bits(1))

	t := r.current.Load()
	r.publish(append(slices.Clone(t.sources), s), t.dests, t.routes)
	r.logger.Debug("Source added", "source_id", s.id, "kind", kind.String(), "name", name)
	return s.id, nil
}

// AddDestination registers a Destination backed by sink.
func (r *Router) AddDestination(kind types.EndpointKind, name string, sink Sink) (types.DestinationID, error) {
	if !kind.IsDestination() {
		return 0, fmt.Errorf("%v as destination: %w", kind, types.ErrInvalidEndpoint)
	}
	if sink == nil {
		return 0, fmt.Errorf("destination %q has no buffer", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextDst++
	d := &destination{id: r.nextDst, kind: kind, name: name, sink: sink}
	d.gain.Store(math.Float32bits(1))

	t := r.current.Load()
	r.publish(t.sources, append(slices.Clone(t.dests), d), t.routes)
	r.logger.Debug("Destination added", "destination_id", d.id, "kind", kind.String(), "name", name)
	return d.id, nil
}

// RemoveSource unregisters a Source and prunes its routes.
func (r *Router) RemoveSource(id types.SourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.current.Load()
	idx := slices.IndexFunc(t.sources, func(s *source) bool { return s.id == id })
	if idx < 0 {
		return fmt.Errorf("source %d: %w", id, types.ErrUnknownEndpoint)
	}
	sources := slices.Delete(slices.Clone(t.sources), idx, idx+1)
	routes := slices.DeleteFunc(slices.Clone(t.routes), func(rt types.Route) bool { return rt.Source == id })
	r.publish(sources, t.dests, routes)
	r.logger.Debug("Source removed", "source_id", id, "pruned_routes", len(t.routes)-len(routes))
	return nil
}

// RemoveDestination unregisters a Destination and prunes its routes.
func (r *Router) RemoveDestination(id types.DestinationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.current.Load()
	idx := slices.IndexFunc(t.dests, func(d *destination) bool { return d.id == id })
	if idx < 0 {
		return fmt.Errorf("destination %d: %w", id, types.ErrUnknownEndpoint)
	}
	dests := slices.Delete(slices.Clone(t.dests), idx, idx+1)
	routes := slices.DeleteFunc(slices.Clone(t.routes), func(rt types.Route) bool { return rt.Destination == id })
	r.publish(t.sources, dests, routes)
	r.logger.Debug("Destination removed", "destination_id", id, "pruned_routes", len(t.routes)-len(routes))
	return nil
}

// Connect adds an enabled route from src to dst. A second route between
// the same pair is rejected.
func (r *Router) Connect(src types.SourceID, dst types.DestinationID, gain float32) (types.RouteID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.current.Load()
	if !slices.ContainsFunc(t.sources, func(s *source) bool { return s.id == src }) {
		return 0, fmt.Errorf("source %d: %w", src, types.ErrUnknownEndpoint)
	}
	if !slices.ContainsFunc(t.dests, func(d *destination) bool { return d.id == dst }) {
		return 0, fmt.Errorf("destination %d: %w", dst, types.ErrUnknownEndpoint)
	}
	if slices.ContainsFunc(t.routes, func(rt types.Route) bool { return rt.Source == src && rt.Destination == dst }) {
		return 0, fmt.Errorf("route %d -> %d: %w", src, dst, types.ErrDuplicateRoute)
	}

	r.nextRt++
	rt := types.Route{
		ID:          r.nextRt,
		Source:      src,
		Destination: dst,
		Gain:        ClampGain(gain),
		Enabled:     true,
	}
	r.publish(t.sources, t.dests, append(slices.Clone(t.routes), rt))
	r.logger.Debug("Route connected", "route_id", rt.ID, "source_id", src, "destination_id", dst, "gain", rt.Gain)
	return rt.ID, nil
}

// Disconnect removes a route.
func (r *Router) Disconnect(id types.RouteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.current.Load()
	idx := slices.IndexFunc(t.routes, func(rt types.Route) bool { return rt.ID == id })
	if idx < 0 {
		return fmt.Errorf("route %d: %w", id, types.ErrUnknownRoute)
	}
	r.publish(t.sources, t.dests, slices.Delete(slices.Clone(t.routes), idx, idx+1))
	return nil
}

func (r *Router) updateRoute(id types.RouteID, update func(*types.Route)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.current.Load()
	idx := slices.IndexFunc(t.routes, func(rt types.Route) bool { return rt.ID == id })
	if idx < 0 {
		return fmt.Errorf("route %d: %w", id, types.ErrUnknownRoute)
	}
	routes := slices.Clone(t.routes)
	update(&routes[idx])
	r.publish(t.sources, t.dests, routes)
	return nil
}

// SetGain changes a route's gain, clamped to [0, MaxGain].
func (r *Router) SetGain(id types.RouteID, gain float32) error {
	return r.updateRoute(id, func(rt *types.Route) { rt.Gain = ClampGain(gain) })
}

// SetEnabled enables or disables a route. Sources with no enabled routes
// are not read.
func (r *Router) SetEnabled(id types.RouteID, enabled bool) error {
	return r.updateRoute(id, func(rt *types.Route) { rt.Enabled = enabled })
}

// SetMuted mutes a route. A muted route keeps its source draining but
// contributes nothing.
func (r *Router) SetMuted(id types.RouteID, muted bool) error {
	return r.updateRoute(id, func(rt *types.Route) { rt.Muted = muted })
}

// SetSourceGain changes the gain applied to a Source before routing.
func (r *Router) SetSourceGain(id types.SourceID, gain float32) error {
	t := r.current.Load()
	for _, s := range t.sources {
		if s.id == id {
			s.gain.Store(math.Float32bits(ClampGain(gain)))
			return nil
		}
	}
	return fmt.Errorf("source %d: %w", id, types.ErrUnknownEndpoint)
}

// SetDestinationGain changes the gain applied to a mix before clipping.
func (r *Router) SetDestinationGain(id types.DestinationID, gain float32) error {
	t := r.current.Load()
	for _, d := range t.dests {
		if d.id == id {
			d.gain.Store(math.Float32bits(ClampGain(gain)))
			return nil
		}
	}
	return fmt.Errorf("destination %d: %w", id, types.ErrUnknownEndpoint)
}

// Route returns one route.
func (r *Router) Route(id types.RouteID) (types.Route, bool) {
	t := r.current.Load()
	idx := slices.IndexFunc(t.routes, func(rt types.Route) bool { return rt.ID == id })
	if idx < 0 {
		return types.Route{}, false
	}
	return t.routes[idx], true
}

// Routes returns a copy of every route.
func (r *Router) Routes() []types.Route {
	return slices.Clone(r.current.Load().routes)
}

// RoutesForSource returns the routes leaving src.
func (r *Router) RoutesForSource(src types.SourceID) []types.Route {
	var out []types.Route
	for _, rt := range r.current.Load().routes {
		if rt.Source == src {
			out = append(out, rt)
		}
	}
	return out
}

// RoutesForDestination returns the routes entering dst.
func (r *Router) RoutesForDestination(dst types.DestinationID) []types.Route {
	var out []types.Route
	for _, rt := range r.current.Load().routes {
		if rt.Destination == dst {
			out = append(out, rt)
		}
	}
	return out
}

// ClearRoutes removes every route and keeps the endpoints.
func (r *Router) ClearRoutes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.current.Load()
	r.publish(t.sources, t.dests, nil)
}

// ClearAll removes every route and endpoint.
func (r *Router) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(nil, nil, nil)
}

// Sources describes the registered Sources.
func (r *Router) Sources() []Endpoint {
	t := r.current.Load()
	out := make([]Endpoint, len(t.sources))
	for i, s := range t.sources {
		out[i] = Endpoint{ID: uint64(s.id), Kind: s.kind, Name: s.name, Gain: loadGain(&s.gain), Stats: s.tap.Stats()}
	}
	return out
}

// Destinations describes the registered Destinations.
func (r *Router) Destinations() []Endpoint {
	t := r.current.Load()
	out := make([]Endpoint, len(t.dests))
	for i, d := range t.dests {
		out[i] = Endpoint{ID: uint64(d.id), Kind: d.kind, Name: d.name, Gain: loadGain(&d.gain), Stats: d.sink.Stats()}
	}
	return out
}
