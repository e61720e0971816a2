// Package workerpool runs prioritized DSP tasks on a fixed set of worker
// goroutines, keeping expensive computation off the audio callback.
//
// Each worker owns a task mailbox and a result mailbox. A supervisor
// goroutine owns the priority queue and all worker state: it dispatches
// queued tasks to the first idle worker, drains results as soon as a
// worker reports one, and recreates workers that fail. A worker that fails
// twice in a row is marked dead and the pool's capacity shrinks.
package workerpool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/audiorouter/pkg/types"
)

const (
	// DefaultMailboxTimeout bounds a worker's wait on an empty mailbox.
	DefaultMailboxTimeout = 50 * time.Millisecond
	// DefaultRetention is how many finished tasks remain pollable.
	DefaultRetention = 1024
	// maxConsecutiveFailures marks a worker dead.
	maxConsecutiveFailures = 2
)

// DefaultWorkers leaves one CPU for the real-time audio thread.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

// Config parameterizes a Pool.
type Config struct {
	Workers        int
	MailboxTimeout time.Duration
	Retention      int
	Logger         *slog.Logger

	// StateHook, if set, is called by the supervisor whenever a worker's
	// state changes, for example to mirror it into shared memory.
	StateHook func(worker int, state types.WorkerState, task types.TaskID)
}

type entry struct {
	status types.TaskStatus
	done   chan struct{}
}

// Pool is a fixed-size worker pool with a priority queue.
//
// Thread Safety Model:
//   - Submit, Cancel, Poll, Wait, Stats and Close may be called from any
//     non-real-time goroutine
//   - only the supervisor goroutine changes worker state
type Pool struct {
	cfg     Config
	factory ProcessorFactory
	logger  *slog.Logger

	nextID atomic.Uint64
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	workers  []*worker
	queue    taskQueue
	entries  map[types.TaskID]*entry
	finished []types.TaskID // terminal tasks in completion order, for pruning
	counts   counters
}

type counters struct {
	submitted, completed, failed, cancelled, restarts uint64
}

// New starts a pool. factory is called once per worker and again for
// each recreated worker.
func New(factory ProcessorFactory, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.MailboxTimeout <= 0 {
		cfg.MailboxTimeout = DefaultMailboxTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		entries: make(map[types.TaskID]*entry),
		workers: make([]*worker, cfg.Workers),
	}

	for id := range p.workers {
		p.workers[id] = p.startWorker(id)
		p.publishState(p.workers[id])
	}
	go p.supervise()

	p.logger.Debug("Worker pool started", "workers", cfg.Workers, "mailbox_timeout", cfg.MailboxTimeout)
	return p
}

func (p *Pool) startWorker(id int) *worker {
	w := newWorker(id, p.factory(id))
	go w.run(p.cfg.MailboxTimeout, p.kick)
	return w
}

func (p *Pool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) publishState(w *worker) {
	if p.cfg.StateHook != nil {
		p.cfg.StateHook(w.id, w.state, w.task)
	}
}

// Submit queues a task and returns its id. The task runs exactly once
// unless cancelled before dispatch.
func (p *Pool) Submit(cmd types.Command, priority types.Priority, payload any) (types.TaskID, error) {
	if p.closed.Load() {
		return 0, types.ErrPoolClosed
	}

	task := types.Task{
		ID:          types.TaskID(p.nextID.Add(1)),
		Command:     cmd,
		Priority:    priority,
		SubmittedAt: time.Now(),
		Payload:     payload,
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return 0, types.ErrPoolClosed
	}
	if p.liveWorkers() == 0 {
		p.mu.Unlock()
		return 0, types.ErrNoWorkers
	}
	heap.Push(&p.queue, task)
	p.entries[task.ID] = &entry{
		status: types.TaskStatus{ID: task.ID, State: types.TaskPending, Worker: -1},
		done:   make(chan struct{}),
	}
	p.counts.submitted++
	p.mu.Unlock()

	p.kick()
	return task.ID, nil
}

// Cancel removes a task that has not been dispatched yet. It reports
// false for tasks that are running, finished or unknown; a dispatched
// task always runs to completion.
func (p *Pool) Cancel(id types.TaskID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queue.remove(id); !ok {
		return false
	}
	p.finish(id, types.TaskStatus{ID: id, State: types.TaskCancelled, Worker: -1})
	p.counts.cancelled++
	return true
}

// Poll returns the current status of a task. Tasks pruned after the
// retention window report TaskUnknown.
func (p *Pool) Poll(id types.TaskID) types.TaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.status
	}
	return types.TaskStatus{ID: id, State: types.TaskUnknown, Worker: -1}
}

// Wait blocks until the task finishes or ctx is done.
func (p *Pool) Wait(ctx context.Context, id types.TaskID) (types.TaskStatus, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return types.TaskStatus{ID: id, State: types.TaskUnknown, Worker: -1}, fmt.Errorf("task %d is not tracked", id)
	}

	select {
	case <-e.done:
		return p.Poll(id), nil
	case <-ctx.Done():
		return p.Poll(id), ctx.Err()
	}
}

// supervise is the only goroutine that moves workers between states.
func (p *Pool) supervise() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.mu.Lock()
			p.drainResults()
			p.dispatch()
			p.mu.Unlock()
		case <-p.quit:
			p.shutdown()
			return
		}
	}
}

// drainResults collects every reported result. Callers hold mu.
func (p *Pool) drainResults() {
	for _, w := range p.workers {
		for {
			res, ok := w.outbox.Pop()
			if !ok {
				break
			}
			p.handleResult(w, res)
		}
	}
}

func (p *Pool) handleResult(w *worker, res Result) {
	status := types.TaskStatus{ID: res.TaskID, Worker: w.id, ExecTime: res.ExecTime}

	switch {
	case res.Shutdown:
		status.State = types.TaskCompleted
		w.state = types.WorkerStopped
		w.task = 0
		p.counts.completed++
		p.publishState(w)
		p.logger.Debug("Worker stopped", "worker_id", w.id)

	case res.Err == nil:
		status.State = types.TaskCompleted
		w.state = types.WorkerIdle
		w.task = 0
		w.failures = 0
		w.runs++
		p.counts.completed++
		p.publishState(w)

	default:
		status.State = types.TaskFailedState
		status.Err = fmt.Errorf("task %d on worker %d: %w: %w", res.TaskID, w.id, types.ErrTaskFailed, res.Err)
		p.counts.failed++
		p.recycle(w, res.Err)
	}

	p.finish(res.TaskID, status)
}

// recycle replaces a failed worker with a fresh one under the same id, or
// marks it dead after repeated failures. Callers hold mu.
func (p *Pool) recycle(w *worker, cause error) {
	failures := w.failures + 1
	<-w.done // the worker goroutine exits after reporting a failure

	if failures >= maxConsecutiveFailures {
		w.state = types.WorkerDead
		w.task = 0
		w.failures = failures
		p.publishState(w)
		p.logger.Warn("Worker marked dead", "worker_id", w.id, "consecutive_failures", failures, "error", cause,
			"live_workers", p.liveWorkers())
		return
	}

	fresh := p.startWorker(w.id)
	fresh.failures = failures
	fresh.runs = w.runs
	p.workers[w.id] = fresh
	p.counts.restarts++
	p.publishState(fresh)
	p.logger.Info("Worker recreated", "worker_id", w.id, "error", cause)
}

// dispatch hands queued tasks to idle workers, lowest id first. Callers
// hold mu.
func (p *Pool) dispatch() {
	for p.queue.Len() > 0 {
		w := p.firstIdle()
		if w == nil {
			if p.liveWorkers() == 0 {
				p.failQueued(types.ErrNoWorkers)
			}
			return
		}

		task := heap.Pop(&p.queue).(types.Task)
		w.state = types.WorkerProcessing
		w.task = task.ID
		if e, ok := p.entries[task.ID]; ok {
			e.status.State = types.TaskRunning
			e.status.Worker = w.id
		}
		p.publishState(w)

		// An idle worker's inbox is empty, so the push cannot fail.
		w.inbox.Push(task)
	}
}

func (p *Pool) firstIdle() *worker {
	for _, w := range p.workers {
		if w.state == types.WorkerIdle {
			return w
		}
	}
	return nil
}

func (p *Pool) liveWorkers() int {
	n := 0
	for _, w := range p.workers {
		if w.state == types.WorkerIdle || w.state == types.WorkerProcessing {
			n++
		}
	}
	return n
}

func (p *Pool) failQueued(cause error) {
	for p.queue.Len() > 0 {
		task := heap.Pop(&p.queue).(types.Task)
		p.finish(task.ID, types.TaskStatus{
			ID:     task.ID,
			State:  types.TaskFailedState,
			Worker: -1,
			Err:    fmt.Errorf("task %d: %w: %w", task.ID, types.ErrTaskFailed, cause),
		})
		p.counts.failed++
	}
}

// finish records a terminal status and prunes old entries. Callers hold mu.
func (p *Pool) finish(id types.TaskID, status types.TaskStatus) {
	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.status = status
	close(e.done)

	p.finished = append(p.finished, id)
	if excess := len(p.finished) - p.cfg.Retention; excess > 0 {
		for _, old := range p.finished[:excess] {
			delete(p.entries, old)
		}
		p.finished = append(p.finished[:0], p.finished[excess:]...)
	}
}

// shutdown runs on the supervisor after Close: it cancels queued tasks,
// lets running tasks finish and stops every worker.
func (p *Pool) shutdown() {
	p.mu.Lock()
	for p.queue.Len() > 0 {
		task := heap.Pop(&p.queue).(types.Task)
		p.finish(task.ID, types.TaskStatus{ID: task.ID, State: types.TaskCancelled, Worker: -1})
		p.counts.cancelled++
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		p.drainResults()
		busy := false
		for _, w := range p.workers {
			if w.state == types.WorkerProcessing {
				busy = true
			}
		}
		p.mu.Unlock()
		if !busy {
			break
		}
		<-p.wake
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.state == types.WorkerIdle {
			close(w.quit)
			<-w.done
			w.state = types.WorkerStopped
			p.publishState(w)
		}
	}
}

// Close stops accepting tasks, cancels queued ones, waits for running
// tasks to finish and stops all workers. It is safe to call more than once.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		<-p.done
		return nil
	}
	close(p.quit)
	<-p.done
	p.logger.Debug("Worker pool closed")
	return nil
}

// WorkerInfo is one worker's row in Stats.
type WorkerInfo struct {
	ID       int               `json:"id"`
	State    types.WorkerState `json:"state"`
	Task     types.TaskID      `json:"task,omitempty"`
	Failures int               `json:"consecutive_failures"`
	Runs     uint64            `json:"runs"`
}

// Stats is a telemetry snapshot of the pool.
type Stats struct {
	Workers   []WorkerInfo `json:"workers"`
	Capacity  int          `json:"capacity"` // live workers
	Dead      int          `json:"dead"`
	Queued    int          `json:"queued"`
	Submitted uint64       `json:"submitted"`
	Completed uint64       `json:"completed"`
	Failed    uint64       `json:"failed"`
	Cancelled uint64       `json:"cancelled"`
	Restarts  uint64       `json:"restarts"`
}

// Degraded reports whether any worker has been lost.
func (s Stats) Degraded() bool { return s.Dead > 0 }

// Stats returns a telemetry snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Workers:   make([]WorkerInfo, len(p.workers)),
		Capacity:  p.liveWorkers(),
		Queued:    p.queue.Len(),
		Submitted: p.counts.submitted,
		Completed: p.counts.completed,
		Failed:    p.counts.failed,
		Cancelled: p.counts.cancelled,
		Restarts:  p.counts.restarts,
	}
	for i, w := range p.workers {
		s.Workers[i] = WorkerInfo{ID: w.id, State: w.state, Task: w.task, Failures: w.failures, Runs: w.runs}
		if w.state == types.WorkerDead {
			s.Dead++
		}
	}
	return s
}
