package workerpool

import (
	"fmt"
	"time"

	"github.com/drgolem/audiorouter/pkg/mailbox"
	"github.com/drgolem/audiorouter/pkg/types"
)

// Processor executes tasks for one worker. A worker calls its Processor
// from a single goroutine, so implementations may keep per-worker state
// (FFT plans, filter memory) without locking.
type Processor interface {
	Process(task types.Task) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(task types.Task) error

func (f ProcessorFunc) Process(task types.Task) error { return f(task) }

// ProcessorFactory builds the Processor for a worker. It is called again
// with the same id when a failed worker is recreated.
type ProcessorFactory func(workerID int) Processor

// Result is what a worker reports for each task it runs.
type Result struct {
	TaskID   types.TaskID
	Worker   int
	ExecTime time.Duration
	Err      error
	Shutdown bool
}

// worker is one goroutine with its own task and result mailboxes. The
// pool owns every field except those touched in run.
type worker struct {
	id     int
	inbox  *mailbox.Mailbox[types.Task]
	outbox *mailbox.Mailbox[Result]
	proc   Processor
	quit   chan struct{}
	done   chan struct{}

	// pool-side bookkeeping, guarded by Pool.mu
	state    types.WorkerState
	task     types.TaskID
	failures int // consecutive
	runs     uint64
}

func newWorker(id int, proc Processor) *worker {
	return &worker{
		id:     id,
		inbox:  mailbox.New[types.Task](4),
		outbox: mailbox.New[Result](4),
		proc:   proc,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  types.WorkerIdle,
	}
}

// run takes one task at a time from the inbox. It exits after a failed
// task, after a Shutdown task, or when quit is closed.
func (w *worker) run(timeout time.Duration, wake func()) {
	defer close(w.done)
	for {
		task, ok := w.inbox.Receive(timeout)
		if !ok {
			select {
			case <-w.quit:
				return
			default:
				continue
			}
		}

		if task.Command == types.Shutdown {
			w.outbox.Push(Result{TaskID: task.ID, Worker: w.id, Shutdown: true})
			wake()
			return
		}

		start := time.Now()
		err := w.process(task)
		w.outbox.Push(Result{TaskID: task.ID, Worker: w.id, ExecTime: time.Since(start), Err: err})
		wake()
		if err != nil {
			return
		}
	}
}

func (w *worker) process(task types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker %d: %v", w.id, r)
		}
	}()
	return w.proc.Process(task)
}
