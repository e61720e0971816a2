package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/drgolem/audiorouter/pkg/dsp"
	"github.com/drgolem/audiorouter/pkg/shm"
	"github.com/drgolem/audiorouter/pkg/types"
)

// SubmitDSPTask queues work for the worker pool. payload must match cmd:
// dsp.ProcessRequest, dsp.FFTRequest or dsp.EQRequest.
func (e *Engine) SubmitDSPTask(cmd types.Command, priority types.Priority, payload any) (types.TaskID, error) {
	return e.pool.Submit(cmd, priority, payload)
}

// PollTask reports a task's status without blocking.
func (e *Engine) PollTask(id types.TaskID) types.TaskStatus { return e.pool.Poll(id) }

// WaitTask blocks until the task finishes or ctx is done.
func (e *Engine) WaitTask(ctx context.Context, id types.TaskID) (types.TaskStatus, error) {
	return e.pool.Wait(ctx, id)
}

// CancelTask removes a task that has not been dispatched yet.
func (e *Engine) CancelTask(id types.TaskID) bool { return e.pool.Cancel(id) }

// EQBands returns the current band settings.
func (e *Engine) EQBands() []dsp.Band {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.eqBands)
}

// SetEQBand changes one band and schedules a coefficient update. The new
// coefficients appear in the shared region when the returned task
// completes.
func (e *Engine) SetEQBand(i int, band dsp.Band) (types.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.eqBands) {
		return 0, fmt.Errorf("eq band %d out of range [0, %d)", i, len(e.eqBands))
	}
	if band.Q <= 0 {
		return 0, fmt.Errorf("eq band %d: Q must be positive", i)
	}
	e.eqBands[i] = band
	return e.submitEQ()
}

// submitEQ queues a design of the current bands. A still-pending design
// is superseded; one already running may finish later but carries an
// older generation, so the region drops it. Caller holds e.mu or is New.
func (e *Engine) submitEQ() (types.TaskID, error) {
	if e.eqTask != 0 {
		e.pool.Cancel(e.eqTask)
	}
	e.eqGen++
	id, err := e.pool.Submit(types.ApplyEQ, types.PriorityHigh, dsp.EQRequest{
		Bands:      slices.Clone(e.eqBands),
		SampleRate: e.cfg.Audio.SampleRate,
		Generation: e.eqGen,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule eq update: %w", err)
	}
	e.eqTask = id
	return id, nil
}

// EQCoefficients returns the published coefficients and their version.
// ok is false while a write is in progress.
func (e *Engine) EQCoefficients() (coeffs [][shm.EQCoeffsPerBand]float32, version uint32, ok bool) {
	dst := make([][shm.EQCoeffsPerBand]float32, e.region.Layout().EQBands)
	n, version, ok := e.region.LoadEQ(dst)
	return dst[:n], version, ok
}

// Spectrum returns the latest magnitudes published in FFT slot i.
func (e *Engine) Spectrum(slot int) ([]float32, bool) {
	l := e.region.Layout()
	if slot < 0 || slot >= l.FFTSlots {
		return nil, false
	}
	dst := make([]float32, l.FFTBins)
	n, _, ok := e.region.ReadSpectrum(slot, dst)
	return dst[:n], ok
}

// tapState collects an AnalysisTap's recent output for the FFT.
type tapState struct {
	slot     int
	channels int
	history  []float32
	chunk    []float32
	inFlight types.TaskID
}

// newTapLocked takes a free FFT slot, or returns nil when none is left.
func (e *Engine) newTapLocked() *tapState {
	n := len(e.freeSlots)
	if n == 0 {
		return nil
	}
	slot := e.freeSlots[0]
	e.freeSlots = e.freeSlots[1:]
	return &tapState{
		slot:     slot,
		channels: e.channels,
		history:  make([]float32, e.cfg.FFTSize*e.channels),
		chunk:    make([]float32, e.cfg.RingCapacity),
	}
}

// TapSlot returns the FFT slot of an AnalysisTap destination.
func (e *Engine) TapSlot(id types.DestinationID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.dests[id]
	if !ok || d.tap == nil {
		return 0, false
	}
	return d.tap.slot, true
}

// analyze drains every tap and submits one FFT per slot unless the
// previous one is still queued or running.
func (e *Engine) analyze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range e.dests {
		t := d.tap
		if t == nil {
			continue
		}
		t.collect(d.rec.Ring())
		if t.inFlight != 0 && !e.pool.Poll(t.inFlight).Done() {
			continue
		}
		taskID, err := e.pool.Submit(types.ComputeFFT, types.PriorityNormal, dsp.FFTRequest{
			Slot:     t.slot,
			Size:     e.cfg.FFTSize,
			Channels: e.channels,
			Samples:  slices.Clone(t.history),
		})
		if err != nil {
			e.log.Debug("spectrum task not submitted", "destination_id", id, "error", err)
			continue
		}
		t.inFlight = taskID
	}
}

type reader interface {
	Read(p []float32) int
	FillLevel() int
}

// collect appends everything available in r to the rolling history.
func (t *tapState) collect(r reader) {
	for {
		n := min(r.FillLevel(), len(t.chunk))
		n -= n % t.channels
		if n == 0 {
			return
		}
		got := r.Read(t.chunk[:n])
		t.push(t.chunk[:got])
	}
}

func (t *tapState) push(p []float32) {
	if len(p) >= len(t.history) {
		copy(t.history, p[len(p)-len(t.history):])
		return
	}
	copy(t.history, t.history[len(p):])
	copy(t.history[len(t.history)-len(p):], p)
}
