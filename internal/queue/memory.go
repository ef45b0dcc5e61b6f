// Package queue carries delivery tasks from the engine to the workers and
// holds retries until they are due.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// TaskFunc processes one due task.
type TaskFunc func(ctx context.Context, t delivery.Task)

type item struct {
	task delivery.Task
	seq  uint64
}

// taskHeap orders by ScheduledAt, then by arrival.
type taskHeap []item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.ScheduledAt.Equal(h[j].task.ScheduledAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.ScheduledAt.Before(h[j].task.ScheduledAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Memory is an in-process delay queue. Tasks become visible to Run once
// their ScheduledAt has passed. Contents are lost on exit.
type Memory struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	closed bool
	wake   chan struct{}
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{wake: make(chan struct{}, 1), now: time.Now}
}

func (q *Memory) Enqueue(_ context.Context, t delivery.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.items, item{task: t, seq: q.seq})
	depth := len(q.items)
	q.mu.Unlock()

	metrics.SetQueueDepth("memory", float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports queued tasks, due or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Enqueue calls. Run keeps draining until its
// context ends.
func (q *Memory) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// next blocks until a task is due or ctx ends.
func (q *Memory) next(ctx context.Context) (delivery.Task, bool) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.items) > 0 {
			if d := q.items[0].task.ScheduledAt.Sub(q.now()); d > 0 {
				wait = d
			} else {
				it := heap.Pop(&q.items).(item)
				depth := len(q.items)
				q.mu.Unlock()
				metrics.SetQueueDepth("memory", float64(depth))
				return it.task, true
			}
		}
		q.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return delivery.Task{}, false
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Run hands due tasks to h on at most workers goroutines until ctx ends,
// then waits for in-flight handlers to return.
func (q *Memory) Run(ctx context.Context, workers int, h TaskFunc) {
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for {
		t, ok := q.next(ctx)
		if !ok {
			break
		}
		p.Go(func() { h(ctx, t) })
	}
	p.Wait()
}
