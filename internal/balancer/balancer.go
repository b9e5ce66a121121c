// Package balancer provides interchangeable worker-selection strategies.
// Strategies receive candidates that are already filtered to healthy workers
// with spare capacity; a strategy only picks, it never mutates worker state.
package balancer

import (
	"errors"
	"time"
)

// ErrNoWorker is returned when no candidate can accept a task. Callers treat
// it as transient: the task stays queued and is retried on the next tick.
var ErrNoWorker = errors.New("no worker available")

// Candidate is an eligible worker as seen by a strategy. Candidates appear
// in first-seen registration order, which strategies use as the tie break.
type Candidate struct {
	ID              string
	Weight          int
	Load            int
	Capacity        int
	AvgResponseTime time.Duration
	SuccessRate     float64
	RecentFailures  int
}

// Context carries per-selection inputs.
type Context struct {
	Pool     string
	TaskID   string
	TaskType string
	// Priority uses the task ordering: lower value is more urgent.
	Priority int
	// HashKey routes hash-based strategies; empty falls back to TaskID.
	HashKey string
}

// Strategy picks exactly one candidate or reports ErrNoWorker.
type Strategy interface {
	Name() string
	Select(cands []Candidate, ctx Context) (string, error)
}

// Observer is implemented by strategies that adapt to execution outcomes.
// The scheduler reports every completion through it.
type Observer interface {
	Observe(success bool, latency time.Duration)
}

func (c Context) key() string {
	if c.HashKey != "" {
		return c.HashKey
	}
	return c.TaskID
}
