// Package rtprio raises the scheduling class of audio callback threads.
//
// An Elevator is applied from inside a device callback. The first call
// locks the goroutine to its OS thread and asks the kernel for realtime
// scheduling; every later call is a single atomic load. Failures never
// reach the callback: they are kept for the control side to read.
package rtprio

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

// ErrNotSupported is returned on platforms without thread scheduling
// control.
var ErrNotSupported = errors.New("rtprio: not supported on this platform")

// Category is the kind of workload a thread runs.
type Category int

const (
	ProAudio Category = iota
	Audio
	Capture
	Games
	Playback
)

var categoryNames = [...]string{"pro-audio", "audio", "capture", "games", "playback"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory accepts the names produced by Category.String.
func ParseCategory(s string) (Category, error) {
	for i, n := range categoryNames {
		if n == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown thread category %q", s)
}

// Policy is what a category maps to: a SCHED_FIFO priority, or zero for
// a nice value only.
type Policy struct {
	FIFOPriority int
	Nice         int
}

// DefaultPolicy returns the scheduling request for c.
func DefaultPolicy(c Category) Policy {
	switch c {
	case ProAudio:
		return Policy{FIFOPriority: 80, Nice: -20}
	case Audio:
		return Policy{FIFOPriority: 70, Nice: -15}
	case Capture:
		return Policy{FIFOPriority: 60, Nice: -15}
	case Games:
		return Policy{FIFOPriority: 50, Nice: -10}
	default:
		return Policy{Nice: -5}
	}
}

// Settings configure an Elevator.
type Settings struct {
	Enabled  bool     `yaml:"enabled"`
	Category Category `yaml:"-"`
	Priority int      `yaml:"priority"` // 1-99, overrides the category
	CPU      int      `yaml:"cpu"`      // pin to this CPU, -1 for none
}

// Result reports what the one-time elevation did.
type Result struct {
	Realtime bool
	Nice     bool
	Pinned   bool
	Err      error
}

// Elevator applies Settings at most once.
type Elevator struct {
	settings Settings
	policy   Policy
	applied  atomic.Bool
	result   atomic.Pointer[Result]
}

// NewElevator creates an elevator. A disabled elevator never touches the
// scheduler.
func NewElevator(s Settings) *Elevator {
	p := DefaultPolicy(s.Category)
	if s.Priority > 0 {
		p.FIFOPriority = min(s.Priority, 99)
	}
	return &Elevator{settings: s, policy: p}
}

// Apply elevates the calling thread the first time it is called. It is
// safe to call from a realtime callback: after the first call it does no
// work.
func (e *Elevator) Apply() {
	if !e.settings.Enabled || e.applied.Load() {
		return
	}
	if !e.applied.CompareAndSwap(false, true) {
		return
	}
	// Never unlocked: the thread keeps its scheduling class.
	runtime.LockOSThread()

	var r Result
	var errs []error
	if e.policy.FIFOPriority > 0 {
		if err := setRealtime(e.policy.FIFOPriority); err != nil {
			errs = append(errs, err)
		} else {
			r.Realtime = true
		}
	}
	if !r.Realtime && e.policy.Nice != 0 {
		if err := setNice(e.policy.Nice); err != nil {
			errs = append(errs, err)
		} else {
			r.Nice = true
		}
	}
	if e.settings.CPU >= 0 {
		if err := pinCPU(e.settings.CPU); err != nil {
			errs = append(errs, err)
		} else {
			r.Pinned = true
		}
	}
	r.Err = errors.Join(errs...)
	e.result.Store(&r)
}

// Applied reports whether Apply has run.
func (e *Elevator) Applied() bool { return e.applied.Load() }

// Result returns the outcome of Apply, or nil if it has not finished.
func (e *Elevator) Result() *Result { return e.result.Load() }
