package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/taskmesh/internal/balancer"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Executor runs a dispatched task on a worker. Implementations run locally
// or over the wire; the scheduler only sees the result.
type Executor interface {
	Execute(ctx context.Context, worker Worker, t task.Task) (map[string]any, error)
}

// Hook is invoked after every task reaches a terminal state.
type Hook func(view task.StatusView)

// Options tunes the scheduler. Zero values fall back to the defaults below.
type Options struct {
	TickInterval    time.Duration
	SweepInterval   time.Duration
	DefaultTimeout  time.Duration
	MaxRetries      int
	HeartbeatMaxAge time.Duration
	DoneHistory     int
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 50 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.HeartbeatMaxAge <= 0 {
		o.HeartbeatMaxAge = 90 * time.Second
	}
	return o
}

// Scheduler binds the task queue, the worker registry and a selection
// strategy into the dispatch core. One dispatch goroutine runs per pool; a
// separate sweep goroutine fails tasks past their deadline.
type Scheduler struct {
	queue    *Queue
	registry *Registry
	strategy balancer.Strategy
	executor Executor
	schemas  *task.SchemaRegistry
	opts     Options
	logger   *zap.Logger

	hookMu sync.Mutex
	hooks  []Hook

	loopMu  sync.Mutex
	loops   map[string]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted uint64
	completed uint64
	failed    uint64
	retried   uint64
}

// New wires a scheduler; Start must be called before it dispatches.
func New(registry *Registry, strategy balancer.Strategy, executor Executor, schemas *task.SchemaRegistry, opts Options, logger *zap.Logger) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		queue:    NewQueue(opts.DoneHistory),
		registry: registry,
		strategy: strategy,
		executor: executor,
		schemas:  schemas,
		opts:     opts,
		logger:   logger,
		loops:    make(map[string]struct{}),
	}
}

// Registry exposes the worker registry for the API layer and health path.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Start launches the sweep loop and a dispatch loop per already-known pool.
func (s *Scheduler) Start() {
	s.loopMu.Lock()
	if s.ctx != nil {
		s.loopMu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loopMu.Unlock()

	for _, pool := range s.registry.Pools() {
		s.ensureLoop(pool)
	}
	for pool := range s.queue.Depths() {
		s.ensureLoop(pool)
	}

	s.wg.Add(1)
	go s.sweepLoop()
	s.logger.Info("scheduler started",
		zap.Duration("tick", s.opts.TickInterval),
		zap.String("strategy", s.strategy.Name()))
}

// Stop halts dispatching and waits for the loops and in-flight executions
// to finish.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// OnDone registers a hook fired for every terminal task.
func (s *Scheduler) OnDone(h Hook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Submit validates the request, enqueues a task and returns its id. The
// call returns immediately; callers poll Status for the outcome.
func (s *Scheduler) Submit(taskType, pool string, payload map[string]any, priority task.Priority, timeout time.Duration) (string, error) {
	if strings.TrimSpace(taskType) == "" {
		return "", fmt.Errorf("validate submit: task type is required")
	}
	if strings.TrimSpace(pool) == "" {
		return "", fmt.Errorf("validate submit: pool is required")
	}
	if priority < task.PriorityCritical || priority > task.PriorityBackground {
		return "", fmt.Errorf("validate submit: priority %d out of range", priority)
	}
	if timeout < 0 {
		return "", fmt.Errorf("validate submit: negative timeout")
	}
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}

	s.loopMu.Lock()
	if s.stopped {
		s.loopMu.Unlock()
		return "", ErrStopped
	}
	s.loopMu.Unlock()

	t := task.New(taskType, pool, payload, priority, timeout)
	t.MaxRetries = s.opts.MaxRetries
	if s.schemas != nil {
		if err := s.schemas.Validate(t); err != nil {
			return "", fmt.Errorf("validate submit: %w", err)
		}
	}

	s.queue.Enqueue(t)
	atomic.AddUint64(&s.submitted, 1)
	s.ensureLoop(pool)

	s.logger.Debug("task submitted",
		zap.String("task", t.ID),
		zap.String("pool", pool),
		zap.String("priority", priority.String()))
	return t.ID, nil
}

// Status returns the task's current snapshot.
func (s *Scheduler) Status(id string) (task.StatusView, error) {
	return s.queue.Get(id)
}

// Cancel removes a queued task or marks a running one so its completion is
// discarded. In-flight execution is not forcibly stopped.
func (s *Scheduler) Cancel(id string) error {
	return s.queue.Cancel(id)
}

// RegisterWorker upserts a worker and makes sure its pool has a loop.
func (s *Scheduler) RegisterWorker(w Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("validate worker: id is required")
	}
	if strings.TrimSpace(w.Pool) == "" {
		return fmt.Errorf("validate worker: pool is required")
	}
	s.registry.Upsert(w)
	s.ensureLoop(w.Pool)
	return nil
}

// UnregisterWorker removes a worker from selection.
func (s *Scheduler) UnregisterWorker(id string) bool {
	return s.registry.Remove(id)
}

// Stats summarizes queue depths, counters and the per-worker view.
type Stats struct {
	QueueDepths map[string]int `json:"queue_depths"`
	Running     int            `json:"running"`
	Submitted   uint64         `json:"submitted"`
	Completed   uint64         `json:"completed"`
	Failed      uint64         `json:"failed"`
	Retried     uint64         `json:"retried"`
	Workers     []Worker       `json:"workers"`
	Strategy    string         `json:"strategy"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		QueueDepths: s.queue.Depths(),
		Running:     s.queue.RunningCount(),
		Submitted:   atomic.LoadUint64(&s.submitted),
		Completed:   atomic.LoadUint64(&s.completed),
		Failed:      atomic.LoadUint64(&s.failed),
		Retried:     atomic.LoadUint64(&s.retried),
		Workers:     s.registry.Snapshot(),
		Strategy:    s.strategy.Name(),
	}
}

// ensureLoop starts the dispatch goroutine for a pool exactly once.
func (s *Scheduler) ensureLoop(pool string) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.ctx == nil || s.stopped {
		return
	}
	if _, ok := s.loops[pool]; ok {
		return
	}
	s.loops[pool] = struct{}{}
	s.wg.Add(1)
	go s.poolLoop(pool)
}

// poolLoop drains the pool's queue each tick. Anything that goes wrong in
// one iteration is logged and the loop carries on; a bad task or a selector
// bug must not stop dispatching for the pool.
func (s *Scheduler) poolLoop(pool string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchPool(pool)
		}
	}
}

func (s *Scheduler) dispatchPool(pool string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch loop panic",
				zap.String("pool", pool),
				zap.Any("panic", r))
		}
	}()

	for {
		t := s.queue.Dequeue(pool)
		if t == nil {
			return
		}
		worker, err := s.registry.Acquire(s.strategy, balancer.Context{
			Pool:     pool,
			TaskID:   t.ID,
			TaskType: t.Type,
			Priority: int(t.Priority),
			HashKey:  hashKey(t),
		})
		if err != nil {
			// Transient: the task keeps its place and is retried on the
			// next tick.
			s.queue.Requeue(t)
			return
		}
		s.queue.MarkRunning(t.ID, worker.ID)
		s.wg.Add(1)
		go s.run(worker, *t)
	}
}

// run executes one task and feeds the outcome back into the queue, the
// registry metrics and the adaptive strategy. Executor panics become task
// failures, never scheduler crashes.
func (s *Scheduler) run(worker Worker, t task.Task) {
	defer s.wg.Done()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	var (
		result map[string]any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		result, err = s.executor.Execute(ctx, worker, t)
	}()

	elapsed := time.Since(start)
	success := err == nil
	s.registry.Release(worker.ID, elapsed, success)
	if obs, ok := s.strategy.(balancer.Observer); ok {
		obs.Observe(success, elapsed)
	}

	if success {
		if s.queue.Complete(t.ID, t.Seq, result) {
			atomic.AddUint64(&s.completed, 1)
			s.fireHooks(t.ID)
		}
		return
	}

	timedOut := errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
	requeued, handled := s.queue.Fail(t.ID, t.Seq, err.Error(), timedOut)
	if !handled {
		// Late callback for an attempt the sweep or a cancel already
		// settled, or that a retry superseded.
		return
	}
	if requeued {
		atomic.AddUint64(&s.retried, 1)
		s.logger.Warn("task retried",
			zap.String("task", t.ID),
			zap.String("worker", worker.ID),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&s.failed, 1)
	s.logger.Warn("task failed",
		zap.String("task", t.ID),
		zap.String("worker", worker.ID),
		zap.Error(err))
	s.fireHooks(t.ID)
}

// sweepLoop fails RUNNING tasks whose deadline passed, covering executors
// that ignore context cancellation.
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.queue.ExpireRunning(time.Now()) {
				requeued, handled := s.queue.Fail(t.ID, t.Seq, "task deadline exceeded", true)
				if !handled {
					continue
				}
				if requeued {
					atomic.AddUint64(&s.retried, 1)
				} else {
					atomic.AddUint64(&s.failed, 1)
					s.fireHooks(t.ID)
				}
			}
			s.registry.MarkStale(s.opts.HeartbeatMaxAge)
		}
	}
}

func (s *Scheduler) fireHooks(id string) {
	view, err := s.queue.Get(id)
	if err != nil {
		return
	}
	s.hookMu.Lock()
	hooks := make([]Hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h(view)
	}
}

func hashKey(t *task.Task) string {
	if k, ok := t.Payload["routing_key"].(string); ok {
		return k
	}
	return ""
}
