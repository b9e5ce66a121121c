package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the outcome of a probe or of a reduction over probes.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
)

// Probe checks one component. It returns the observed state and optional
// details; a non-nil error forces UNHEALTHY regardless of the state.
type Probe func(ctx context.Context) (State, map[string]any, error)

// Result is one probe outcome.
type Result struct {
	Component string         `json:"component"`
	State     State          `json:"state"`
	Latency   time.Duration  `json:"latency"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Report is the reduction over a set of probe results.
type Report struct {
	State   State    `json:"state"`
	Results []Result `json:"results"`
}

// Checker runs registered probes concurrently, each bounded by the checker
// timeout, and reduces the results to one overall state.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
	logger  *zap.Logger
}

func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds or replaces a probe under the given component name.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// Names lists registered components in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named probes, or all of them when none are named. A
// probe that panics or errors yields an UNHEALTHY result for its component
// rather than failing the run.
func (c *Checker) Run(ctx context.Context, names ...string) Report {
	c.mu.RLock()
	if len(names) == 0 {
		names = make([]string, 0, len(c.probes))
		for name := range c.probes {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	probes := make(map[string]Probe, len(names))
	for _, name := range names {
		if p, ok := c.probes[name]; ok {
			probes[name] = p
		}
	}
	c.mu.RUnlock()

	results := make([]Result, 0, len(names))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, name := range names {
		p, ok := probes[name]
		if !ok {
			results = append(results, Result{
				Component: name,
				State:     StateUnknown,
				Error:     "no such probe",
				CheckedAt: time.Now(),
			})
			continue
		}
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			res := c.runOne(ctx, name, p)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Component < results[j].Component
	})
	return Report{State: Reduce(results), Results: results}
}

func (c *Checker) runOne(ctx context.Context, name string, p Probe) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res = Result{Component: name, CheckedAt: start}
	defer func() {
		res.Latency = time.Since(start)
		if r := recover(); r != nil {
			res.State = StateUnhealthy
			res.Error = fmt.Sprintf("probe panic: %v", r)
			c.logger.Error("health probe panic",
				zap.String("component", name),
				zap.Any("panic", r))
		}
	}()

	state, details, err := p(ctx)
	res.State = state
	res.Details = details
	if err != nil {
		res.State = StateUnhealthy
		res.Error = err.Error()
	}
	return res
}

// Reduce folds probe results into one state: all healthy means HEALTHY, any
// unhealthy means UNHEALTHY, a mix is DEGRADED, no results is UNKNOWN.
func Reduce(results []Result) State {
	if len(results) == 0 {
		return StateUnknown
	}
	allHealthy := true
	for _, r := range results {
		if r.State == StateUnhealthy {
			return StateUnhealthy
		}
		if r.State != StateHealthy {
			allHealthy = false
		}
	}
	if allHealthy {
		return StateHealthy
	}
	return StateDegraded
}
