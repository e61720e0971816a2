// Package monitor serves engine telemetry over HTTP and pushes stats to
// websocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/audiorouter/internal/recorder"
	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/engine"
	"github.com/drgolem/audiorouter/pkg/types"
)

// Engine is the part of engine.Engine the monitor reads and controls.
type Engine interface {
	Stats() engine.Stats
	ListDevices(dir types.Direction) ([]types.DeviceInfo, error)
	Routes() []types.Route
	SetGain(id types.RouteID, gain float32) error
	SetMuted(id types.RouteID, muted bool) error
	Spectrum(slot int) ([]float32, bool)
	EQBands() []dsp.Band
	SetEQBand(i int, band dsp.Band) (types.TaskID, error)
	PollTask(id types.TaskID) types.TaskStatus
}

// Recorder is a running recorder the monitor can pause.
type Recorder interface {
	Pause()
	Resume()
	Status() recorder.Status
}

// Config holds server settings.
type Config struct {
	Listen        string
	StatsInterval time.Duration
}

// Server is the monitor HTTP server.
type Server struct {
	app    *fiber.App
	cfg    Config
	engine Engine
	hub    *hub
	log    *slog.Logger

	recMu     sync.RWMutex
	recorders map[string]Recorder
}

// New builds the routes. Nothing listens until Run.
func New(e Engine, cfg Config, log *slog.Logger) *Server {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "monitor")
	s := &Server{cfg: cfg, engine: e, hub: newHub(log), log: log, recorders: make(map[string]Recorder)}

	app := fiber.New(fiber.Config{
		AppName:               "audiorouter monitor",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/stats", s.handleStats)
	api.Get("/devices", s.handleDevices)
	api.Get("/routes", s.handleRoutes)
	api.Post("/routes/:id/gain", s.handleSetGain)
	api.Post("/routes/:id/mute", s.handleSetMuted)
	api.Get("/spectrum/:slot", s.handleSpectrum)
	api.Get("/eq", s.handleEQ)
	api.Put("/eq/:band", s.handleSetEQ)
	api.Get("/tasks/:id", s.handleTask)
	api.Get("/recorders", s.handleRecorders)
	api.Post("/recorders/:name/pause", s.handlePauseRecorder)
	api.Post("/recorders/:name/resume", s.handleResumeRecorder)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/stats", websocket.New(s.handleStatsWS))

	s.app = app
	return s
}

// AddRecorder exposes r under name on /api/recorders.
func (s *Server) AddRecorder(name string, r Recorder) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.recorders[name] = r
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Run listens on cfg.Listen and pushes stats every StatsInterval until
// ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if s.hub.clientCount() == 0 {
					continue
				}
				if msg, err := s.statsFrame(); err == nil {
					s.hub.publish(msg)
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.app.Shutdown()
	})
	g.Go(func() error {
		s.log.Info("Monitor listening", "addr", s.cfg.Listen)
		return s.app.Listen(s.cfg.Listen)
	})
	return g.Wait()
}

func (s *Server) statsFrame() ([]byte, error) {
	msg, err := json.Marshal(s.engine.Stats())
	if err != nil {
		s.log.Error("Failed to encode stats", "error", err)
	}
	return msg, err
}
