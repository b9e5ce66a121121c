package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/taskmesh/internal/balancer"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return NewRegistry(zap.NewNop())
}

func TestUpsertDefaultsAndIdempotency(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Worker{ID: "w1", Pool: "gpu"})

	w, ok := r.Get("w1")
	if !ok {
		t.Fatal("worker not found after upsert")
	}
	if w.MaxCapacity != 10 {
		t.Errorf("expected default capacity 10, got %d", w.MaxCapacity)
	}
	if w.Weight != 1 {
		t.Errorf("expected default weight 1, got %d", w.Weight)
	}
	if !w.Healthy {
		t.Error("new worker should start healthy")
	}

	// Re-registering the same id updates in place.
	r.Upsert(Worker{ID: "w1", Pool: "gpu", MaxCapacity: 4, Weight: 3})
	if r.Len() != 1 {
		t.Fatalf("expected 1 worker after re-register, got %d", r.Len())
	}
	w, _ = r.Get("w1")
	if w.MaxCapacity != 4 || w.Weight != 3 {
		t.Errorf("update not applied: capacity=%d weight=%d", w.MaxCapacity, w.Weight)
	}
}

func TestAcquireFilters(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Worker{ID: "sick", Pool: "gpu"})
	r.SetHealthy("sick", false)
	r.Upsert(Worker{ID: "full", Pool: "gpu", MaxCapacity: 1})
	r.Upsert(Worker{ID: "wrong-pool", Pool: "cpu"})
	r.Upsert(Worker{ID: "limited", Pool: "gpu", Capabilities: []string{"transcode"}})
	r.Upsert(Worker{ID: "ok", Pool: "gpu"})

	// Saturate "full".
	if _, err := r.Acquire(pickByID("full"), balancer.Context{Pool: "gpu"}); err != nil {
		t.Fatalf("saturating acquire: %v", err)
	}

	strategy := balancer.NewRoundRobin()
	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		w, err := r.Acquire(strategy, balancer.Context{Pool: "gpu", TaskType: "resize"})
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		seen[w.ID] = true
		r.Release(w.ID, 10*time.Millisecond, true)
	}
	for _, excluded := range []string{"sick", "full", "wrong-pool", "limited"} {
		if seen[excluded] {
			t.Errorf("worker %s should have been filtered out", excluded)
		}
	}
	if !seen["ok"] {
		t.Error("eligible worker was never selected")
	}
}

func TestAcquireIncrementsLoad(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Worker{ID: "w1", Pool: "gpu", MaxCapacity: 2})

	strategy := balancer.NewLeastConnections()
	for i := 0; i < 2; i++ {
		if _, err := r.Acquire(strategy, balancer.Context{Pool: "gpu"}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := r.Acquire(strategy, balancer.Context{Pool: "gpu"}); !errors.Is(err, balancer.ErrNoWorker) {
		t.Errorf("expected ErrNoWorker at capacity, got %v", err)
	}

	r.Release("w1", time.Millisecond, true)
	if _, err := r.Acquire(strategy, balancer.Context{Pool: "gpu"}); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestReleaseMetrics(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Worker{ID: "w1", Pool: "gpu"})

	r.Release("w1", 100*time.Millisecond, true)
	w, _ := r.Get("w1")
	if w.AvgResponseTime != 100*time.Millisecond {
		t.Errorf("first sample should seed the average, got %v", w.AvgResponseTime)
	}

	// new = old*0.8 + sample*0.2
	r.Release("w1", 200*time.Millisecond, false)
	w, _ = r.Get("w1")
	if want := 120 * time.Millisecond; w.AvgResponseTime != want {
		t.Errorf("smoothed average = %v, want %v", w.AvgResponseTime, want)
	}
	if w.RecentFailures != 1 {
		t.Errorf("expected 1 recent failure, got %d", w.RecentFailures)
	}
	if got := w.SuccessRate(); got != 0.5 {
		t.Errorf("success rate = %v, want 0.5", got)
	}

	r.Release("w1", 100*time.Millisecond, true)
	w, _ = r.Get("w1")
	if w.RecentFailures != 0 {
		t.Errorf("success should reset the failure streak, got %d", w.RecentFailures)
	}
}

func TestMarkStale(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Worker{ID: "w1", Pool: "gpu"})

	if stale := r.MarkStale(time.Hour); len(stale) != 0 {
		t.Errorf("fresh worker flagged stale: %v", stale)
	}

	time.Sleep(5 * time.Millisecond)
	stale := r.MarkStale(time.Millisecond)
	if len(stale) != 1 || stale[0] != "w1" {
		t.Fatalf("expected w1 stale, got %v", stale)
	}
	w, _ := r.Get("w1")
	if w.Healthy {
		t.Error("stale worker should be unhealthy")
	}

	// Heartbeat plus an explicit health restore brings it back.
	r.Heartbeat("w1")
	r.SetHealthy("w1", true)
	if stale := r.MarkStale(time.Hour); len(stale) != 0 {
		t.Errorf("restored worker flagged stale: %v", stale)
	}
}

// pickByID is a test strategy that always selects a fixed worker.
type fixedStrategy struct{ id string }

func pickByID(id string) balancer.Strategy { return fixedStrategy{id: id} }

func (s fixedStrategy) Name() string { return "fixed" }

func (s fixedStrategy) Select(cands []balancer.Candidate, _ balancer.Context) (string, error) {
	for _, c := range cands {
		if c.ID == s.id {
			return c.ID, nil
		}
	}
	return "", balancer.ErrNoWorker
}
