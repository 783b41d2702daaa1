package scheduler

import (
	"container/heap"
	"time"

	"bindery/internal/queue"
)

// heapItem wraps a task with an insertion sequence so equal tasks keep
// their arrival order.
type heapItem struct {
	task *queue.Task
	seq  uint64
}

// taskHeap orders tasks by due time ascending, then priority descending,
// then creation time ascending.
type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// peekDue reports whether the head task is due at now.
func (h taskHeap) peekDue(now time.Time) bool {
	return len(h) > 0 && !h[0].task.NextRunAt.After(now)
}

var _ heap.Interface = (*taskHeap)(nil)
