package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drgolem/audiorouter/pkg/types"
)

func waitAll(t *testing.T, p *Pool, ids []types.TaskID) []types.TaskStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]types.TaskStatus, len(ids))
	for i, id := range ids {
		st, err := p.Wait(ctx, id)
		if err != nil {
			t.Fatalf("Wait(%d): %v", id, err)
		}
		out[i] = st
	}
	return out
}

func TestAllTasksCompleteWithoutDoubleAssignment(t *testing.T) {
	const workers = 4
	var inFlight [workers]atomic.Int32
	var overlap atomic.Bool

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(workers)

	p := New(func(id int) Processor {
		return ProcessorFunc(func(task types.Task) error {
			if inFlight[id].Add(1) > 1 {
				overlap.Store(true)
			}
			started.Done()
			<-release
			inFlight[id].Add(-1)
			return nil
		})
	}, Config{Workers: workers})
	defer p.Close()

	ids := make([]types.TaskID, workers)
	for i := range ids {
		id, err := p.Submit(types.ProcessAudio, types.PriorityNormal, nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids[i] = id
	}

	// Every task must be running at once, one per worker.
	started.Wait()
	close(release)

	seen := map[int]bool{}
	for _, st := range waitAll(t, p, ids) {
		if st.State != types.TaskCompleted {
			t.Errorf("task %d: state %v, want completed", st.ID, st.State)
		}
		if seen[st.Worker] {
			t.Errorf("worker %d ran two of the tasks", st.Worker)
		}
		seen[st.Worker] = true
	}
	if overlap.Load() {
		t.Errorf("a worker ran two tasks concurrently")
	}
}

func TestTaskIDsAreMonotonic(t *testing.T) {
	p := New(func(int) Processor { return ProcessorFunc(func(types.Task) error { return nil }) }, Config{Workers: 1})
	defer p.Close()

	var last types.TaskID
	for i := 0; i < 10; i++ {
		id, err := p.Submit(types.ComputeFFT, types.PriorityLow, nil)
		if err != nil {
			t.Fatal(err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
}

func TestPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []types.Priority

	p := New(func(int) Processor {
		return ProcessorFunc(func(task types.Task) error {
			if task.Payload == "gate" {
				<-gate
				return nil
			}
			mu.Lock()
			order = append(order, task.Priority)
			mu.Unlock()
			return nil
		})
	}, Config{Workers: 1})
	defer p.Close()

	// Occupy the only worker so the rest queue up.
	first, _ := p.Submit(types.ProcessAudio, types.PriorityLow, "gate")
	for p.Poll(first).State != types.TaskRunning {
		time.Sleep(time.Millisecond)
	}

	var ids []types.TaskID
	for _, prio := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityRealtime, types.PriorityHigh, types.PriorityNormal} {
		id, _ := p.Submit(types.ProcessAudio, prio, nil)
		ids = append(ids, id)
	}
	close(gate)
	waitAll(t, p, ids)

	want := []types.Priority{types.PriorityRealtime, types.PriorityHigh, types.PriorityNormal, types.PriorityNormal, types.PriorityLow}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order %v, want %v", order, want)
		}
	}
}

func TestCancelOnlyPendingTasks(t *testing.T) {
	gate := make(chan struct{})
	p := New(func(int) Processor {
		return ProcessorFunc(func(task types.Task) error {
			if task.Payload == "gate" {
				<-gate
			}
			return nil
		})
	}, Config{Workers: 1})
	defer p.Close()

	running, _ := p.Submit(types.ProcessAudio, types.PriorityNormal, "gate")
	for p.Poll(running).State != types.TaskRunning {
		time.Sleep(time.Millisecond)
	}
	pending, _ := p.Submit(types.ProcessAudio, types.PriorityNormal, nil)

	if p.Cancel(running) {
		t.Errorf("cancelled a running task")
	}
	if !p.Cancel(pending) {
		t.Errorf("failed to cancel a pending task")
	}
	if st := p.Poll(pending); st.State != types.TaskCancelled {
		t.Errorf("pending task state: %v", st.State)
	}

	close(gate)
	if st := waitAll(t, p, []types.TaskID{running})[0]; st.State != types.TaskCompleted {
		t.Errorf("running task state: %v", st.State)
	}
}

func TestFailedWorkerIsRecreated(t *testing.T) {
	var built [1]atomic.Int32
	p := New(func(id int) Processor {
		built[id].Add(1)
		return ProcessorFunc(func(task types.Task) error {
			if task.Payload == "fail" {
				return errors.New("boom")
			}
			return nil
		})
	}, Config{Workers: 1})
	defer p.Close()

	bad, _ := p.Submit(types.ApplyEQ, types.PriorityHigh, "fail")
	good, _ := p.Submit(types.ApplyEQ, types.PriorityNormal, nil)
	st := waitAll(t, p, []types.TaskID{bad, good})

	if st[0].State != types.TaskFailedState || !errors.Is(st[0].Err, types.ErrTaskFailed) {
		t.Errorf("failing task: state %v err %v", st[0].State, st[0].Err)
	}
	if st[1].State != types.TaskCompleted {
		t.Errorf("task after failure: state %v", st[1].State)
	}
	if built[0].Load() != 2 {
		t.Errorf("processor built %d times, want 2", built[0].Load())
	}

	s := p.Stats()
	if s.Restarts != 1 || s.Dead != 0 || s.Capacity != 1 {
		t.Errorf("stats: %+v", s)
	}
	// A success resets the consecutive failure count.
	if s.Workers[0].Failures != 0 {
		t.Errorf("consecutive failures: got %d, want 0", s.Workers[0].Failures)
	}
}

func TestWorkerDiesAfterTwoConsecutiveFailures(t *testing.T) {
	p := New(func(id int) Processor {
		return ProcessorFunc(func(task types.Task) error {
			if id == 0 {
				panic("bad kernel")
			}
			return nil
		})
	}, Config{Workers: 2})
	defer p.Close()

	// Worker 0 is always chosen first while idle.
	a, _ := p.Submit(types.ComputeFFT, types.PriorityNormal, nil)
	waitAll(t, p, []types.TaskID{a})
	b, _ := p.Submit(types.ComputeFFT, types.PriorityNormal, nil)
	waitAll(t, p, []types.TaskID{b})

	s := p.Stats()
	if s.Workers[0].State != types.WorkerDead {
		t.Fatalf("worker 0 state: %v, want dead", s.Workers[0].State)
	}
	if s.Capacity != 1 || s.Dead != 1 || !s.Degraded() {
		t.Errorf("stats: %+v", s)
	}

	// Remaining capacity still serves tasks.
	c, _ := p.Submit(types.ComputeFFT, types.PriorityNormal, nil)
	if st := waitAll(t, p, []types.TaskID{c})[0]; st.State != types.TaskCompleted || st.Worker != 1 {
		t.Errorf("task after worker death: %+v", st)
	}
}

func TestNoLiveWorkers(t *testing.T) {
	p := New(func(int) Processor {
		return ProcessorFunc(func(types.Task) error { return errors.New("always") })
	}, Config{Workers: 1})
	defer p.Close()

	for i := 0; i < 2; i++ {
		id, err := p.Submit(types.ProcessAudio, types.PriorityNormal, nil)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		waitAll(t, p, []types.TaskID{id})
	}
	if _, err := p.Submit(types.ProcessAudio, types.PriorityNormal, nil); !errors.Is(err, types.ErrNoWorkers) {
		t.Errorf("Submit with no live workers: got %v", err)
	}
}

func TestShutdownCommandStopsWorker(t *testing.T) {
	p := New(func(int) Processor { return ProcessorFunc(func(types.Task) error { return nil }) }, Config{Workers: 2})
	defer p.Close()

	id, _ := p.Submit(types.Shutdown, types.PriorityRealtime, nil)
	if st := waitAll(t, p, []types.TaskID{id})[0]; st.State != types.TaskCompleted {
		t.Fatalf("shutdown task: %v", st.State)
	}
	s := p.Stats()
	if s.Capacity != 1 || s.Workers[0].State != types.WorkerStopped {
		t.Errorf("stats after shutdown task: %+v", s)
	}
}

func TestStateHookMirrorsTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []types.WorkerState
	p := New(func(int) Processor { return ProcessorFunc(func(types.Task) error { return nil }) }, Config{
		Workers: 1,
		StateHook: func(_ int, s types.WorkerState, _ types.TaskID) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	id, _ := p.Submit(types.ProcessAudio, types.PriorityNormal, nil)
	waitAll(t, p, []types.TaskID{id})
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []types.WorkerState{types.WorkerIdle, types.WorkerProcessing, types.WorkerIdle, types.WorkerStopped}
	if len(states) != len(want) {
		t.Fatalf("states %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states %v, want %v", states, want)
		}
	}
}

func TestCloseRejectsSubmitAndIsIdempotent(t *testing.T) {
	p := New(func(int) Processor { return ProcessorFunc(func(types.Task) error { return nil }) }, Config{Workers: 1})
	p.Close()
	p.Close()
	if _, err := p.Submit(types.ProcessAudio, types.PriorityNormal, nil); !errors.Is(err, types.ErrPoolClosed) {
		t.Errorf("Submit after Close: got %v", err)
	}
}

func TestRetentionPrunesOldEntries(t *testing.T) {
	p := New(func(int) Processor { return ProcessorFunc(func(types.Task) error { return nil }) }, Config{Workers: 1, Retention: 2})
	defer p.Close()

	var ids []types.TaskID
	for i := 0; i < 4; i++ {
		id, _ := p.Submit(types.ProcessAudio, types.PriorityNormal, nil)
		waitAll(t, p, []types.TaskID{id})
		ids = append(ids, id)
	}
	if st := p.Poll(ids[0]); st.State != types.TaskUnknown {
		t.Errorf("oldest task still tracked: %v", st.State)
	}
	if st := p.Poll(ids[3]); st.State != types.TaskCompleted {
		t.Errorf("newest task: %v", st.State)
	}
}
