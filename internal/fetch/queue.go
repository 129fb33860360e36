package fetch

import (
	"container/heap"
	"context"
	"sync"
)

// task is one queued request. Numerically smaller priority is more urgent;
// seq breaks ties in submission order.
type task struct {
	priority int
	seq      uint64
	run      func()
	ctx      context.Context
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// queue is a bounded-concurrency worker pool fed by a min-priority heap.
// Tasks enter the heap on submit and are pulled in priority order as slots
// free up.
type queue struct {
	mu       sync.Mutex
	heap     taskHeap
	inFlight int
	max      int
	seq      uint64
	closed   bool
	wg       sync.WaitGroup
}

func newQueue(maxConcurrency int) *queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 6
	}
	return &queue{max: maxConcurrency}
}

// submit enqueues fn and returns immediately; fn runs on a pool slot in
// priority order. A task whose context is already cancelled when it reaches
// the front of the heap is dropped without running.
func (q *queue) submit(ctx context.Context, priority int, fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.heap, &task{priority: priority, seq: q.seq, run: fn, ctx: ctx})
	q.dispatchLocked()
	q.mu.Unlock()
}

// dispatchLocked starts as many tasks as free slots allow. Caller holds mu.
func (q *queue) dispatchLocked() {
	for q.inFlight < q.max && q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*task)
		if t.ctx != nil && t.ctx.Err() != nil {
			continue // cancelled while queued; drop the slot claim
		}
		q.inFlight++
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			t.run()
			q.mu.Lock()
			q.inFlight--
			q.dispatchLocked()
			q.mu.Unlock()
		}()
	}
}

// depth returns the number of queued (not yet running) tasks.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// close stops accepting tasks and waits for in-flight work to finish.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.heap = nil
	q.mu.Unlock()
	q.wg.Wait()
}
