package monitor

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/drgolem/audiorouter/internal/recorder"
	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/types"
)

// errorHandler turns engine errors into status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, types.ErrUnknownRoute), errors.Is(err, types.ErrUnknownEndpoint),
		errors.Is(err, types.ErrDeviceNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, types.ErrBackendNotAvailable), errors.Is(err, types.ErrPoolClosed),
		errors.Is(err, types.ErrNoWorkers):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.engine.Stats())
}

// handleDevices lists output devices, or input devices with
// ?direction=input.
func (s *Server) handleDevices(c *fiber.Ctx) error {
	dir := types.Output
	switch c.Query("direction", "output") {
	case "output":
	case "input":
		dir = types.Input
	default:
		return fiber.NewError(fiber.StatusBadRequest, "direction must be input or output")
	}
	devices, err := s.engine.ListDevices(dir)
	if err != nil {
		return err
	}
	return c.JSON(devices)
}

func (s *Server) handleRoutes(c *fiber.Ctx) error {
	return c.JSON(s.engine.Routes())
}

func routeID(c *fiber.Ctx) (types.RouteID, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid route id")
	}
	return types.RouteID(id), nil
}

// GainRequest is the body of POST /api/routes/:id/gain. Values outside
// [0, 4] are clamped by the router.
type GainRequest struct {
	Gain *float32 `json:"gain"`
}

func (s *Server) handleSetGain(c *fiber.Ctx) error {
	id, err := routeID(c)
	if err != nil {
		return err
	}
	var req GainRequest
	if err := c.BodyParser(&req); err != nil || req.Gain == nil {
		return fiber.NewError(fiber.StatusBadRequest, "body must be {\"gain\": <number>}")
	}
	if err := s.engine.SetGain(id, *req.Gain); err != nil {
		return err
	}
	return s.routeResponse(c, id)
}

// MuteRequest is the body of POST /api/routes/:id/mute.
type MuteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleSetMuted(c *fiber.Ctx) error {
	id, err := routeID(c)
	if err != nil {
		return err
	}
	var req MuteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "body must be {\"muted\": <bool>}")
	}
	if err := s.engine.SetMuted(id, req.Muted); err != nil {
		return err
	}
	return s.routeResponse(c, id)
}

func (s *Server) routeResponse(c *fiber.Ctx, id types.RouteID) error {
	for _, r := range s.engine.Routes() {
		if r.ID == id {
			return c.JSON(r)
		}
	}
	return types.ErrUnknownRoute
}

// SpectrumResponse is one published FFT slot.
type SpectrumResponse struct {
	Slot       int       `json:"slot"`
	Magnitudes []float32 `json:"magnitudes"`
}

func (s *Server) handleSpectrum(c *fiber.Ctx) error {
	slot, err := c.ParamsInt("slot")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid slot")
	}
	mags, ok := s.engine.Spectrum(slot)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no spectrum in slot "+strconv.Itoa(slot))
	}
	return c.JSON(SpectrumResponse{Slot: slot, Magnitudes: mags})
}

func (s *Server) handleEQ(c *fiber.Ctx) error {
	return c.JSON(s.engine.EQBands())
}

func (s *Server) handleSetEQ(c *fiber.Ctx) error {
	band, err := c.ParamsInt("band")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid band")
	}
	var req dsp.Band
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid band settings")
	}
	id, err := s.engine.SetEQBand(band, req)
	if err != nil {
		if errors.Is(err, types.ErrPoolClosed) || errors.Is(err, types.ErrNoWorkers) {
			return err
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"task": id})
}

// TaskResponse is a task status with the error flattened to text.
type TaskResponse struct {
	ID       types.TaskID  `json:"id"`
	State    string        `json:"state"`
	Worker   int           `json:"worker"`
	ExecTime time.Duration `json:"exec_time"`
	Error    string        `json:"error,omitempty"`
}

func (s *Server) handleTask(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid task id")
	}
	st := s.engine.PollTask(types.TaskID(id))
	resp := TaskResponse{ID: st.ID, State: st.State.String(), Worker: st.Worker, ExecTime: st.ExecTime}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return c.JSON(resp)
}

// handleStatsWS sends a snapshot immediately and then every push.
func (s *Server) handleStatsWS(conn *websocket.Conn) {
	first, _ := s.statsFrame()
	s.hub.serve(conn, first)
}

func (s *Server) recorder(c *fiber.Ctx) (Recorder, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	r, ok := s.recorders[c.Params("name")]
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown recorder")
	}
	return r, nil
}

// handleRecorders maps each recorder name to its status.
func (s *Server) handleRecorders(c *fiber.Ctx) error {
	s.recMu.RLock()
	out := make(map[string]recorder.Status, len(s.recorders))
	for name, r := range s.recorders {
		out[name] = r.Status()
	}
	s.recMu.RUnlock()
	return c.JSON(out)
}

func (s *Server) handlePauseRecorder(c *fiber.Ctx) error {
	r, err := s.recorder(c)
	if err != nil {
		return err
	}
	r.Pause()
	return c.JSON(r.Status())
}

func (s *Server) handleResumeRecorder(c *fiber.Ctx) error {
	r, err := s.recorder(c)
	if err != nil {
		return err
	}
	r.Resume()
	return c.JSON(r.Status())
}
