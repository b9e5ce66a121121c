package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/taskmesh/internal/task"
)

var (
	// ErrTaskNotFound is returned for lookups of ids the queue has never
	// seen or has already evicted from history.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotCancellable is returned when a cancel request arrives after the
	// task reached a terminal state.
	ErrNotCancellable = errors.New("task is not cancellable")
)

// taskHeap orders tasks by priority, then submission sequence.
type taskHeap []*task.Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task.Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue holds pending tasks per pool in priority order and tracks running
// and finished tasks. Cancellation of a queued task leaves a tombstone; the
// entry is dropped when it surfaces at the heap head, so removal never
// reorders the heap.
type Queue struct {
	mu        sync.Mutex
	pools     map[string]*taskHeap
	tombstone map[string]struct{}
	running   map[string]*task.Task
	done      map[string]*task.Task
	doneOrder []string
	seq       uint64
	maxDone   int
}

// NewQueue creates a queue keeping up to maxDone finished tasks for status
// polling; older entries are evicted first.
func NewQueue(maxDone int) *Queue {
	if maxDone <= 0 {
		maxDone = 1024
	}
	return &Queue{
		pools:     make(map[string]*taskHeap),
		tombstone: make(map[string]struct{}),
		running:   make(map[string]*task.Task),
		done:      make(map[string]*task.Task),
		maxDone:   maxDone,
	}
}

// Enqueue inserts a task into its pool's heap, assigning its submission
// sequence on first entry.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Seq == 0 {
		q.seq++
		t.Seq = q.seq
	}
	q.push(t)
}

func (q *Queue) push(t *task.Task) {
	h, ok := q.pools[t.Pool]
	if !ok {
		h = &taskHeap{}
		q.pools[t.Pool] = h
	}
	heap.Push(h, t)
}

// Dequeue pops the highest-priority task for the pool, or nil when empty.
// The task stays owned by the queue's running set until Complete or Fail.
func (q *Queue) Dequeue(pool string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.pools[pool]
	if !ok {
		return nil
	}
	for h.Len() > 0 {
		t := heap.Pop(h).(*task.Task)
		if _, cancelled := q.tombstone[t.ID]; cancelled {
			delete(q.tombstone, t.ID)
			q.finish(t, task.StatusCancelled, nil, "cancelled before dispatch")
			continue
		}
		q.running[t.ID] = t
		return t
	}
	return nil
}

// Requeue puts back a task that could not be dispatched. Its sequence number
// is preserved so it keeps its position within its priority class.
func (q *Queue) Requeue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, t.ID)
	t.Status = task.StatusPending
	t.StartedAt = nil
	t.WorkerID = ""
	q.push(t)
}

// MarkRunning records the dispatch of a dequeued task.
func (q *Queue) MarkRunning(id, workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return
	}
	now := time.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.WorkerID = workerID
}

// Complete moves a running task to COMPLETED. seq is the attempt's sequence
// number captured at dequeue; a callback from a superseded attempt, or for a
// task no longer running (timed out, cancelled), is dropped.
func (q *Queue) Complete(id string, seq uint64, result map[string]any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok || t.Seq != seq {
		return false
	}
	delete(q.running, id)
	q.finish(t, task.StatusCompleted, result, "")
	return true
}

// Fail records a failure for the attempt identified by seq; stale attempts
// are dropped like in Complete. While retries remain the task is re-enqueued
// as PENDING with a fresh sequence, so the retry becomes the sole owner and
// the failed attempt's callbacks can no longer settle it. Otherwise the task
// is finalized as FAILED, or TIMEOUT when the terminal failure was a deadline
// expiry. The returned flag reports whether the task was re-enqueued.
func (q *Queue) Fail(id string, seq uint64, errMsg string, timedOut bool) (requeued, handled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok || t.Seq != seq {
		return false, false
	}
	delete(q.running, id)

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = task.StatusPending
		t.StartedAt = nil
		t.WorkerID = ""
		t.Error = errMsg
		q.seq++
		t.Seq = q.seq
		q.push(t)
		return true, true
	}

	final := task.StatusFailed
	if timedOut {
		final = task.StatusTimeout
	}
	q.finish(t, final, nil, errMsg)
	return false, true
}

// Cancel removes a queued task, or marks a running one so that its eventual
// completion callback is dropped.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.running[id]; ok {
		delete(q.running, id)
		q.finish(t, task.StatusCancelled, nil, "cancelled while running")
		return nil
	}
	if t, ok := q.findPending(id); ok {
		q.tombstone[t.ID] = struct{}{}
		return nil
	}
	if _, ok := q.done[id]; ok {
		return ErrNotCancellable
	}
	return ErrTaskNotFound
}

// ExpireRunning returns snapshots of the running tasks whose deadline passed
// at now. The caller fails them through Fail so the usual retry policy
// applies; the snapshots pin each attempt's sequence under the lock.
func (q *Queue) ExpireRunning(now time.Time) []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []task.Task
	for _, t := range q.running {
		if t.Timeout <= 0 || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) > t.Timeout {
			expired = append(expired, *t)
		}
	}
	return expired
}

// Get returns a snapshot of the task in any lifecycle state.
func (q *Queue) Get(id string) (task.StatusView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.running[id]; ok {
		return t.View(), nil
	}
	if t, ok := q.done[id]; ok {
		return t.View(), nil
	}
	if t, ok := q.findPending(id); ok {
		if _, cancelled := q.tombstone[id]; cancelled {
			v := t.View()
			v.Status = task.StatusCancelled
			return v, nil
		}
		return t.View(), nil
	}
	return task.StatusView{}, ErrTaskNotFound
}

// Depths reports the pending count per pool.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[string]int, len(q.pools))
	for pool, h := range q.pools {
		n := 0
		for _, t := range *h {
			if _, cancelled := q.tombstone[t.ID]; !cancelled {
				n++
			}
		}
		depths[pool] = n
	}
	return depths
}

// RunningCount reports the number of in-flight tasks.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *Queue) findPending(id string) (*task.Task, bool) {
	for _, h := range q.pools {
		for _, t := range *h {
			if t.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

// finish must be called with the lock held.
func (q *Queue) finish(t *task.Task, status task.Status, result map[string]any, errMsg string) {
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	if result != nil {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	q.done[t.ID] = t
	q.doneOrder = append(q.doneOrder, t.ID)
	for len(q.doneOrder) > q.maxDone {
		oldest := q.doneOrder[0]
		q.doneOrder = q.doneOrder[1:]
		delete(q.done, oldest)
	}
}
