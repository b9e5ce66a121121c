package balancer

import (
	"testing"
	"time"
)

func TestHealthAwarePrefersHealthyWorker(t *testing.T) {
	s := NewHealthAware(Weights{})
	cands := []Candidate{
		{ID: "failing", Capacity: 10, RecentFailures: 5, AvgResponseTime: 100 * time.Millisecond},
		{ID: "clean", Capacity: 10, RecentFailures: 0, AvgResponseTime: 100 * time.Millisecond},
	}
	got, err := s.Select(cands, Context{Pool: "p"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "clean" {
		t.Errorf("got %s, want clean", got)
	}
}

func TestHealthAwarePenalizesSlowWorker(t *testing.T) {
	s := NewHealthAware(Weights{})
	cands := []Candidate{
		{ID: "slow", Capacity: 10, AvgResponseTime: 2 * time.Second},
		{ID: "fast", Capacity: 10, AvgResponseTime: 100 * time.Millisecond},
	}
	got, _ := s.Select(cands, Context{Pool: "p"})
	if got != "fast" {
		t.Errorf("got %s, want fast", got)
	}
}

func TestHealthAwarePenalizesLoadedWorker(t *testing.T) {
	s := NewHealthAware(Weights{})
	cands := []Candidate{
		{ID: "loaded", Capacity: 10, Load: 9, AvgResponseTime: 100 * time.Millisecond},
		{ID: "free", Capacity: 10, Load: 1, AvgResponseTime: 100 * time.Millisecond},
	}
	got, _ := s.Select(cands, Context{Pool: "p"})
	if got != "free" {
		t.Errorf("got %s, want free", got)
	}
}

func TestHealthAwareNeutralForUnknownLatency(t *testing.T) {
	// A worker with no samples must not be buried below a slow one.
	slow := Candidate{ID: "slow", Capacity: 10, AvgResponseTime: 3 * time.Second}
	fresh := Candidate{ID: "fresh", Capacity: 10}

	s := NewHealthAware(Weights{})
	got, _ := s.Select([]Candidate{slow, fresh}, Context{Pool: "p"})
	if got != "fresh" {
		t.Errorf("got %s, want fresh", got)
	}
}

func TestHealthAwareAffinityBonusForUrgentTasks(t *testing.T) {
	// Both workers score identically except for latency under the SLO, which
	// only matters once the priority affinity kicks in.
	fast := Candidate{ID: "fast", Capacity: 10, AvgResponseTime: 100 * time.Millisecond}
	slower := Candidate{ID: "slower", Capacity: 10, AvgResponseTime: 400 * time.Millisecond}

	s := NewHealthAware(Weights{})
	got, _ := s.Select([]Candidate{slower, fast}, Context{Pool: "p", Priority: 0})
	if got != "fast" {
		t.Errorf("critical task: got %s, want fast", got)
	}
}

func TestHealthAwareFirstSeenTieBreak(t *testing.T) {
	s := NewHealthAware(Weights{})
	cands := []Candidate{
		{ID: "first", Capacity: 10, AvgResponseTime: 100 * time.Millisecond},
		{ID: "second", Capacity: 10, AvgResponseTime: 100 * time.Millisecond},
	}
	for i := 0; i < 5; i++ {
		got, _ := s.Select(cands, Context{Pool: "p", Priority: 2})
		if got != "first" {
			t.Fatalf("tie should keep the first-seen candidate, got %s", got)
		}
	}
}

func TestWeightsValidate(t *testing.T) {
	if !(Weights{}).Validate() {
		t.Error("zero weights should be valid (defaults apply)")
	}
	if (Weights{Health: -0.1}).Validate() {
		t.Error("negative weight should be invalid")
	}
}
