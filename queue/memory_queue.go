package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type item struct {
	task Task
	due  time.Time
	seq  uint64
}

// taskHeap orders items by due time, then by enqueue order
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func (h taskHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// MemoryQueue is a single-process Queue for development and tests
type MemoryQueue struct {
	mu         sync.Mutex
	ready      taskHeap
	processing map[uuid.UUID]*item
	seq        uint64
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		processing: make(map[uuid.UUID]*item),
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task, delay time.Duration) error {
	if err := task.validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.ready, &item{task: task, due: q.now().Add(delay), seq: q.seq})
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, max int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for len(out) < max {
		next := q.ready.peek()
		if next == nil || next.due.After(now) {
			break
		}
		it := heap.Pop(&q.ready).(*item)
		it.due = now.Add(q.visibility)
		q.processing[it.task.ID] = it
		out = append(out, it.task)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, task.ID)
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, it := range q.processing {
		if it.due.After(now) {
			continue
		}
		delete(q.processing, id)
		q.seq++
		it.due = now
		it.seq = q.seq
		heap.Push(&q.ready, it)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.processing)), nil
}
