package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/pkg/backend"
	"github.com/drgolem/audiorouter/pkg/meter"
	"github.com/drgolem/audiorouter/pkg/router"
	"github.com/drgolem/audiorouter/pkg/types"
	"github.com/drgolem/audiorouter/pkg/workerpool"
)

// Run drives the engine's background loops until ctx is done: spectrum
// analysis, backend health monitoring and fallback handling. It returns
// nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.AnalysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.analyze()
			}
		}
	})

	if h, ok := e.backend.(*backend.Hybrid); ok {
		g.Go(func() error {
			ticker := time.NewTicker(e.cfg.HealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					e.checkHealth(h)
				}
			}
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-h.Events():
					e.log.Warn("backend failure",
						"trigger", ev.Trigger, "from", ev.From, "switched", ev.Switched, "error", ev.Err)
					if ev.Switched {
						e.reopenStreams()
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats is a telemetry snapshot of the whole engine.
type Stats struct {
	Session      string                                `json:"session"`
	Backend      string                                `json:"backend"`
	Health       string                                `json:"health,omitempty"`
	Ticks        uint64                                `json:"ticks"`
	Totals       types.BufferStats                     `json:"totals"`
	Sources      []router.Endpoint                     `json:"sources"`
	Destinations []router.Endpoint                     `json:"destinations"`
	Routes       []types.Route                         `json:"routes"`
	Streams      []StreamInfo                          `json:"streams"`
	Meters       map[types.DestinationID][]meter.Level `json:"meters"`
	Pool         workerpool.Stats                      `json:"pool"`
	Realtime     *RealtimeInfo                         `json:"realtime,omitempty"`
}

// RealtimeInfo reports the callback thread elevation.
type RealtimeInfo struct {
	Realtime bool   `json:"realtime"`
	Nice     bool   `json:"nice"`
	Pinned   bool   `json:"pinned"`
	Error    string `json:"error,omitempty"`
}

// Stats returns a snapshot. Totals sums the counters of every endpoint
// ring.
func (e *Engine) Stats() Stats {
	s := Stats{
		Session:      e.session,
		Backend:      e.backend.Name(),
		Ticks:        e.router.Ticks(),
		Sources:      e.router.Sources(),
		Destinations: e.router.Destinations(),
		Routes:       e.router.Routes(),
		Streams:      e.streamInfos(),
		Meters:       make(map[types.DestinationID][]meter.Level),
		Pool:         e.pool.Stats(),
	}
	if h, ok := e.backend.(*backend.Hybrid); ok {
		s.Health = h.Health().String()
	}
	for _, ep := range append(s.Sources, s.Destinations...) {
		s.Totals.Capacity += ep.Stats.Capacity
		s.Totals.FillLevel += ep.Stats.FillLevel
		s.Totals.Overruns += ep.Stats.Overruns
		s.Totals.Underruns += ep.Stats.Underruns
	}

	e.mu.Lock()
	for id, d := range e.dests {
		s.Meters[id] = d.rec.Meter().Levels()
	}
	e.mu.Unlock()

	if r := e.elevator.Result(); r != nil {
		s.Realtime = &RealtimeInfo{Realtime: r.Realtime, Nice: r.Nice, Pinned: r.Pinned}
		if r.Err != nil {
			s.Realtime.Error = r.Err.Error()
		}
	}
	return s
}
