package types

import (
	"fmt"
	"time"
)

// TaskID is assigned monotonically by the worker pool.
type TaskID uint64

// Command selects what a worker does with a task.
type Command int

const (
	ProcessAudio Command = iota
	ComputeFFT
	ApplyEQ
	Shutdown
)

func (c Command) String() string {
	switch c {
	case ProcessAudio:
		return "process_audio"
	case ComputeFFT:
		return "compute_fft"
	case ApplyEQ:
		return "apply_eq"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Priority orders queued tasks. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Task is created by the scheduling side and consumed exactly once by a
// worker. It is never mutated after submission; Payload is owned by the
// task for its whole life.
type Task struct {
	ID          TaskID
	Command     Command
	Priority    Priority
	SubmittedAt time.Time
	Payload     any
}

// TaskState is the coarse phase reported by TaskStatus.
type TaskState int

const (
	TaskUnknown TaskState = iota
	TaskPending
	TaskRunning
	TaskCompleted
	TaskFailedState
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailedState:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskStatus is returned by polling a task id.
type TaskStatus struct {
	ID       TaskID
	State    TaskState
	Worker   int           // worker that ran the task, -1 if never dispatched
	ExecTime time.Duration // set when Completed or Failed
	Err      error         // set when Failed, wraps ErrTaskFailed
}

// Done reports whether the task reached a terminal state.
func (s TaskStatus) Done() bool {
	return s.State == TaskCompleted || s.State == TaskFailedState || s.State == TaskCancelled
}

// WorkerState is the pool-side view of one worker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerProcessing
	WorkerFailed
	WorkerDead
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerProcessing:
		return "processing"
	case WorkerFailed:
		return "failed"
	case WorkerDead:
		return "dead"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}
