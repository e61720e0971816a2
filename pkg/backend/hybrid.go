package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Underrun counts at which a Hybrid's health degrades and fails.
const (
	DegradedUnderruns = 3
	FailedUnderruns   = 10
)

// PolicyMode selects what a Hybrid does when its backend fails.
type PolicyMode int

const (
	// PolicyManual only reports failures; the caller decides.
	PolicyManual PolicyMode = iota
	// PolicyAutoOnError moves to the next backend in priority order.
	PolicyAutoOnError
	// PolicyAutoWithPreference moves to a preferred backend if it is not
	// the one that failed, else to the next one.
	PolicyAutoWithPreference
)

// FallbackPolicy is a PolicyMode plus the preferred backend for
// PolicyAutoWithPreference.
type FallbackPolicy struct {
	Mode   PolicyMode
	Prefer types.BackendKind
}

func (p FallbackPolicy) String() string {
	switch p.Mode {
	case PolicyManual:
		return "manual"
	case PolicyAutoWithPreference:
		return "prefer:" + p.Prefer.String()
	default:
		return "auto"
	}
}

// ParsePolicy accepts "manual", "auto" and "prefer:<backend>".
func ParsePolicy(s string) (FallbackPolicy, error) {
	switch {
	case s == "manual":
		return FallbackPolicy{Mode: PolicyManual}, nil
	case s == "auto" || s == "":
		return FallbackPolicy{Mode: PolicyAutoOnError}, nil
	case strings.HasPrefix(s, "prefer:"):
		kind, err := types.ParseBackendKind(strings.TrimPrefix(s, "prefer:"))
		if err != nil {
			return FallbackPolicy{}, err
		}
		return FallbackPolicy{Mode: PolicyAutoWithPreference, Prefer: kind}, nil
	}
	return FallbackPolicy{}, fmt.Errorf("unknown fallback policy %q", s)
}

// Trigger is the reason for a fallback.
type Trigger int

const (
	DeviceDisconnected Trigger = iota
	StreamUnderrun
	BufferHealthCritical
	InitializationFailed
)

func (t Trigger) String() string {
	switch t {
	case DeviceDisconnected:
		return "device_disconnected"
	case StreamUnderrun:
		return "stream_underrun"
	case BufferHealthCritical:
		return "buffer_health_critical"
	case InitializationFailed:
		return "initialization_failed"
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// Health of the active backend.
type Health int

const (
	Healthy Health = iota
	Degraded
	Failed
)

func (h Health) String() string {
	switch h {
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	}
	return "healthy"
}

// Event reports a failure of the active backend. When Switched is set the
// selection was cleared and the next open starts probing at Next.
type Event struct {
	Trigger  Trigger
	From     types.BackendKind
	Next     types.BackendKind
	Switched bool
	Err      error
	At       time.Time
}

var priority = map[types.BackendKind]int{
	types.BackendExclusiveMode: 0,
	types.BackendSharedMode:    1,
	types.BackendBrowser:       2,
	types.BackendHeadless:      3,
}

// Hybrid selects among backends in a fixed priority order: exclusive,
// shared, browser, then headless. It keeps the first backend that opens
// a stream until Reset or a fallback, and never has two active.
type Hybrid struct {
	log    *slog.Logger
	order  []Backend
	policy FallbackPolicy
	events chan Event

	mu        sync.Mutex
	active    Backend
	start     int
	skip      map[types.BackendKind]bool
	underruns int
	health    Health
}

// NewHybrid orders backends by priority and wires device-loss
// notifications into fallback.
func NewHybrid(backends []Backend, policy FallbackPolicy, log *slog.Logger) *Hybrid {
	if log == nil {
		log = slog.Default()
	}
	order := slices.Clone(backends)
	slices.SortStableFunc(order, func(a, b Backend) int {
		return priority[a.Kind()] - priority[b.Kind()]
	})
	h := &Hybrid{
		log:    log.With("backend", "hybrid"),
		order:  order,
		policy: policy,
		events: make(chan Event, 16),
		skip:   make(map[types.BackendKind]bool),
	}
	for _, b := range order {
		if n, ok := b.(LossNotifier); ok {
			kind := b.Kind()
			n.SetLossHandler(func(streamID string, err error) {
				h.reportLoss(kind, streamID, err)
			})
		}
	}
	return h
}

func (h *Hybrid) Kind() types.BackendKind { return types.BackendHybrid }

func (h *Hybrid) Name() string {
	if a := h.Active(); a != nil {
		return "hybrid(" + a.Name() + ")"
	}
	return "hybrid"
}

// Backends returns the candidates in priority order.
func (h *Hybrid) Backends() []Backend { return slices.Clone(h.order) }

// Active returns the selected backend, or nil before the first open.
func (h *Hybrid) Active() Backend {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Policy returns the fallback policy.
func (h *Hybrid) Policy() FallbackPolicy { return h.policy }

// Health returns the health of the active backend.
func (h *Hybrid) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// Events delivers fallback events. Events are dropped if nobody reads.
func (h *Hybrid) Events() <-chan Event { return h.events }

func (h *Hybrid) IsAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.order {
		if !h.skip[b.Kind()] && b.IsAvailable() {
			return true
		}
	}
	return false
}

// EnumerateDevices returns the devices of every usable backend, in
// priority order.
func (h *Hybrid) EnumerateDevices(dir types.Direction) ([]types.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.DeviceInfo
	for _, b := range h.order {
		if h.skip[b.Kind()] || !b.IsAvailable() {
			continue
		}
		devices, err := b.EnumerateDevices(dir)
		if err != nil {
			if errors.Is(err, types.ErrBackendNotAvailable) {
				h.skip[b.Kind()] = true
			}
			h.log.Warn("device enumeration failed", "candidate", b.Name(), "error", err)
			continue
		}
		out = append(out, devices...)
	}
	return out, nil
}

// DefaultDevice is the active backend's default, or the default of the
// first backend that has one.
func (h *Hybrid) DefaultDevice(dir types.Direction) (types.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return h.active.DefaultDevice(dir)
	}
	for _, b := range h.order {
		if h.skip[b.Kind()] || !b.IsAvailable() {
			continue
		}
		if d, err := b.DefaultDevice(dir); err == nil {
			return d, nil
		}
	}
	return types.DeviceInfo{}, fmt.Errorf("no %v device: %w", dir, types.ErrDeviceNotFound)
}

func (h *Hybrid) OpenOutput(deviceID string, cfg types.AudioConfig, cb Callback) (Stream, error) {
	return h.open(deviceID, cfg, func(b Backend, id string, c types.AudioConfig) (Stream, error) {
		return b.OpenOutput(id, c, cb)
	})
}

func (h *Hybrid) OpenInput(deviceID string, cfg types.AudioConfig, cb InputCallback) (Stream, error) {
	return h.open(deviceID, cfg, func(b Backend, id string, c types.AudioConfig) (Stream, error) {
		return b.OpenInput(id, c, cb)
	})
}

type openFunc func(b Backend, deviceID string, cfg types.AudioConfig) (Stream, error)

func (h *Hybrid) open(deviceID string, cfg types.AudioConfig, open openFunc) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil {
		return h.tryBackend(h.active, deviceID, cfg, open)
	}

	var errs []error
	for i := range h.order {
		idx := (h.start + i) % len(h.order)
		b := h.order[idx]
		if h.skip[b.Kind()] {
			continue
		}
		if !b.IsAvailable() {
			h.log.Debug("backend unavailable", "candidate", b.Name())
			continue
		}
		s, err := h.tryBackend(b, deviceID, cfg, open)
		if err == nil {
			h.active = b
			h.start = idx
			h.underruns, h.health = 0, Healthy
			h.log.Info("backend selected", "candidate", b.Name(), "stream", s.ID(), "config", s.Config())
			return s, nil
		}
		if errors.Is(err, types.ErrBackendNotAvailable) {
			h.skip[b.Kind()] = true
		}
		h.log.Warn("backend failed to open stream", "candidate", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no usable backend: %w", types.ErrBackendNotAvailable)
	}
	return nil, fmt.Errorf("no backend could open the stream: %w", errors.Join(errs...))
}

// tryBackend tries the requested device, then the default device, then
// the default device with each fallback config, stopping at the first
// error that is not recoverable.
func (h *Hybrid) tryBackend(b Backend, deviceID string, cfg types.AudioConfig, open openFunc) (Stream, error) {
	type attempt struct {
		device string
		cfg    types.AudioConfig
	}
	var attempts []attempt
	if deviceID != "" && Owns(b.Kind(), deviceID) {
		attempts = append(attempts, attempt{deviceID, cfg})
	}
	attempts = append(attempts, attempt{"", cfg})
	for _, fc := range cfg.FallbackConfigs() {
		attempts = append(attempts, attempt{"", fc})
	}

	var last error
	for _, a := range attempts {
		s, err := open(b, a.device, a.cfg)
		if err == nil {
			return s, nil
		}
		last = err
		if !types.IsRecoverable(err) {
			return nil, err
		}
		// Another config will not bring back a missing default device.
		if a.device == "" && !errors.Is(err, types.ErrConfigUnsupported) {
			return nil, err
		}
	}
	return nil, last
}

// Reset forgets the selected backend so the next open tries backends from the
// top. Backends that reported ErrBackendNotAvailable stay skipped.
func (h *Hybrid) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = nil
	h.start = 0
	h.underruns, h.health = 0, Healthy
}

// ReportUnderrun records one underrun of the active stream. The tenth in
// a row fails the backend.
func (h *Hybrid) ReportUnderrun() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.underruns++
	switch {
	case h.underruns >= FailedUnderruns && h.health != Failed:
		h.health = Failed
		h.fallbackLocked(StreamUnderrun, fmt.Errorf("%d consecutive underruns", h.underruns))
	case h.underruns >= DegradedUnderruns && h.health == Healthy:
		h.health = Degraded
		h.log.Warn("backend degraded", "underruns", h.underruns)
	}
}

// ReportHealthy clears the underrun streak.
func (h *Hybrid) ReportHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.health != Healthy {
		h.log.Info("backend healthy again")
	}
	h.underruns, h.health = 0, Healthy
}

// ReportFailure fails the active backend immediately.
func (h *Hybrid) ReportFailure(t Trigger, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = Failed
	h.fallbackLocked(t, err)
}

func (h *Hybrid) reportLoss(kind types.BackendKind, streamID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil || h.active.Kind() != kind {
		return
	}
	h.log.Warn("device lost", "stream", streamID, "error", err)
	h.health = Failed
	h.fallbackLocked(DeviceDisconnected, err)
}

func (h *Hybrid) fallbackLocked(t Trigger, err error) {
	ev := Event{Trigger: t, Err: err, At: time.Now()}
	failed := -1
	if h.active != nil {
		ev.From = h.active.Kind()
		failed = slices.Index(h.order, h.active)
	}

	if h.policy.Mode != PolicyManual && len(h.order) > 0 {
		next := (failed + 1) % len(h.order)
		if h.policy.Mode == PolicyAutoWithPreference {
			for i, b := range h.order {
				if b.Kind() == h.policy.Prefer && i != failed && !h.skip[b.Kind()] {
					next = i
				}
			}
		}
		h.active = nil
		h.start = next
		h.underruns = 0
		ev.Switched = true
		ev.Next = h.order[next].Kind()
	}

	h.log.Warn("backend fallback",
		"trigger", t, "from", ev.From, "switched", ev.Switched, "next", ev.Next, "error", err)
	select {
	case h.events <- ev:
	default:
		h.log.Warn("fallback event dropped", "trigger", t)
	}
}

// Close closes every candidate backend.
func (h *Hybrid) Close() error {
	var errs []error
	for _, b := range h.order {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
