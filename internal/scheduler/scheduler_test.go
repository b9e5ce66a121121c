package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/taskmesh/internal/balancer"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

type execFunc func(ctx context.Context, w Worker, t task.Task) (map[string]any, error)

func (f execFunc) Execute(ctx context.Context, w Worker, t task.Task) (map[string]any, error) {
	return f(ctx, w, t)
}

func newTestScheduler(t *testing.T, exec Executor, opts Options) *Scheduler {
	t.Helper()
	if opts.TickInterval == 0 {
		opts.TickInterval = 5 * time.Millisecond
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 10 * time.Millisecond
	}
	registry := NewRegistry(zap.NewNop())
	s := New(registry, balancer.NewRoundRobin(), exec, nil, opts, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

// waitStatus polls until the task reaches a terminal state.
func waitStatus(t *testing.T, s *Scheduler, id string) task.StatusView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := s.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := s.Status(id)
	t.Fatalf("task %s never finished, last status %s", id, view.Status)
	return task.StatusView{}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return nil, nil
	}), Options{})
	s.Start()

	cases := []struct {
		name     string
		taskType string
		pool     string
		priority task.Priority
		timeout  time.Duration
	}{
		{"empty type", "", "pool", task.PriorityNormal, 0},
		{"empty pool", "echo", "", task.PriorityNormal, 0},
		{"priority too low", "echo", "pool", task.Priority(-1), 0},
		{"priority too high", "echo", "pool", task.Priority(9), 0},
		{"negative timeout", "echo", "pool", task.PriorityNormal, -time.Second},
	}
	for _, c := range cases {
		if _, err := s.Submit(c.taskType, c.pool, nil, c.priority, c.timeout); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	exec := execFunc(func(_ context.Context, w Worker, tk task.Task) (map[string]any, error) {
		return map[string]any{"worker": w.ID, "ok": true}, nil
	})
	s := newTestScheduler(t, exec, Options{})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, err := s.Submit("echo", "gpu", map[string]any{"n": 1}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := waitStatus(t, s, id)
	if view.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.Error)
	}
	if view.Result["worker"] != "w1" {
		t.Errorf("result missing worker id: %v", view.Result)
	}

	stats := s.Stats()
	if stats.Completed != 1 || stats.Submitted != 1 {
		t.Errorf("stats = completed %d submitted %d, want 1/1", stats.Completed, stats.Submitted)
	}

	// Load was released and metrics recorded.
	w, _ := s.Registry().Get("w1")
	if w.CurrentLoad != 0 {
		t.Errorf("load not released: %d", w.CurrentLoad)
	}
	if w.TotalTasks != 1 || w.SuccessTasks != 1 {
		t.Errorf("metrics not recorded: total=%d success=%d", w.TotalTasks, w.SuccessTasks)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var calls int32
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})
	s := newTestScheduler(t, exec, Options{MaxRetries: 3})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, _ := s.Submit("flaky", "gpu", nil, task.PriorityNormal, 0)
	view := waitStatus(t, s, id)
	if view.Status != task.StatusCompleted {
		t.Fatalf("expected completed after retries, got %s", view.Status)
	}
	if view.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", view.RetryCount)
	}
	if got := s.Stats().Retried; got != 2 {
		t.Errorf("stats retried = %d, want 2", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return nil, errors.New("permanent")
	})
	s := newTestScheduler(t, exec, Options{MaxRetries: 1})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, _ := s.Submit("broken", "gpu", nil, task.PriorityNormal, 0)
	view := waitStatus(t, s, id)
	if view.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error != "permanent" {
		t.Errorf("expected last error preserved, got %q", view.Error)
	}
}

func TestTimeoutMarksTask(t *testing.T) {
	exec := execFunc(func(ctx context.Context, _ Worker, _ task.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newTestScheduler(t, exec, Options{})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, _ := s.Submit("slow", "gpu", nil, task.PriorityNormal, 20*time.Millisecond)
	view := waitStatus(t, s, id)
	if view.Status != task.StatusTimeout {
		t.Fatalf("expected timeout, got %s", view.Status)
	}
}

func TestNoWorkerKeepsTaskPending(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return map[string]any{}, nil
	})
	s := newTestScheduler(t, exec, Options{})
	s.Start()

	id, err := s.Submit("echo", "gpu", nil, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	view, _ := s.Status(id)
	if view.Status != task.StatusPending {
		t.Fatalf("task without workers should stay pending, got %s", view.Status)
	}

	// A worker arriving later picks it up.
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	view = waitStatus(t, s, id)
	if view.Status != task.StatusCompleted {
		t.Errorf("expected completed once a worker joined, got %s", view.Status)
	}
}

func TestHighPriorityDispatchedFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	// Executions block on the gate until all ten high-priority tasks are in
	// flight; with total capacity ten, no normal task can start before then.
	gate := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ Worker, tk task.Task) (map[string]any, error) {
		mu.Lock()
		order = append(order, tk.ID)
		n := len(order)
		mu.Unlock()
		if n == 10 {
			close(gate)
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{}, nil
	})
	s := newTestScheduler(t, exec, Options{})

	high := make(map[string]bool)
	var ids []string
	for i := 0; i < 20; i++ {
		priority := task.PriorityNormal
		if i%2 == 0 {
			priority = task.PriorityHigh
		}
		id, err := s.Submit("job", "gpu", nil, priority, 0)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
		if priority == task.PriorityHigh {
			high[id] = true
		}
	}

	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu", MaxCapacity: 5})
	s.RegisterWorker(Worker{ID: "w2", Pool: "gpu", MaxCapacity: 5})
	s.Start()

	for _, id := range ids {
		if view := waitStatus(t, s, id); view.Status != task.StatusCompleted {
			t.Fatalf("task %s: got %s (%s)", id, view.Status, view.Error)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("executor saw %d tasks, want 20", len(order))
	}
	for i, id := range order[:10] {
		if !high[id] {
			t.Errorf("dispatch %d: normal task %s started before the high-priority batch", i, id)
		}
	}
	for i, id := range order[10:] {
		if high[id] {
			t.Errorf("dispatch %d: high task %s observed after the normal batch", 10+i, id)
		}
	}
}

func TestCancelPendingTask(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return nil, nil
	})
	s := newTestScheduler(t, exec, Options{})
	s.Start()

	id, _ := s.Submit("echo", "nowhere", nil, task.PriorityNormal, 0)
	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	view, _ := s.Status(id)
	if view.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", view.Status)
	}
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		panic("handler exploded")
	})
	s := newTestScheduler(t, exec, Options{})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, _ := s.Submit("boom", "gpu", nil, task.PriorityNormal, 0)
	view := waitStatus(t, s, id)
	if view.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return nil, nil
	})
	registry := NewRegistry(zap.NewNop())
	s := New(registry, balancer.NewRoundRobin(), exec, nil, Options{TickInterval: 5 * time.Millisecond}, zap.NewNop())
	s.Start()
	s.Stop()

	if _, err := s.Submit("echo", "gpu", nil, task.PriorityNormal, 0); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestDoneHookFires(t *testing.T) {
	exec := execFunc(func(context.Context, Worker, task.Task) (map[string]any, error) {
		return map[string]any{}, nil
	})
	s := newTestScheduler(t, exec, Options{})
	done := make(chan task.StatusView, 1)
	s.OnDone(func(v task.StatusView) {
		select {
		case done <- v:
		default:
		}
	})
	s.RegisterWorker(Worker{ID: "w1", Pool: "gpu"})
	s.Start()

	id, _ := s.Submit("echo", "gpu", nil, task.PriorityNormal, 0)
	select {
	case v := <-done:
		if v.ID != id || v.Status != task.StatusCompleted {
			t.Errorf("hook got %s/%s, want %s/completed", v.ID, v.Status, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hook never fired")
	}
}
