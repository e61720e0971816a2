package workerpool

import (
	"container/heap"

	"github.com/drgolem/audiorouter/pkg/types"
)

// taskQueue orders pending tasks by priority, then submission order.
type taskQueue []types.Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ID < q[j].ID
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(types.Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = types.Task{}
	*q = old[:n-1]
	return t
}

// remove deletes the task with the given id and reports whether it was
// queued.
func (q *taskQueue) remove(id types.TaskID) (types.Task, bool) {
	for i, t := range *q {
		if t.ID == id {
			heap.Remove(q, i)
			return t, true
		}
	}
	return types.Task{}, false
}
