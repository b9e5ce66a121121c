package balancer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Adaptive delegates to one of several strategies and periodically switches
// to whichever currently yields the best success-rate/latency blend. Each
// delegate keeps an exponentially smoothed record of the outcomes observed
// while it was active; untried delegates start neutral so they get explored.
type Adaptive struct {
	mu        sync.Mutex
	delegates []Strategy
	stats     []delegateStats
	active    int
	window    int
	observed  int
	logger    *zap.Logger
}

type delegateStats struct {
	successRate float64
	avgLatency  time.Duration
	samples     int
}

// NewAdaptive builds an adaptive strategy over the given delegates,
// re-evaluating after every window observations. With no delegates it falls
// back to round-robin, least-connections and health-aware defaults.
func NewAdaptive(window int, logger *zap.Logger, delegates ...Strategy) *Adaptive {
	if len(delegates) == 0 {
		delegates = []Strategy{
			NewRoundRobin(),
			NewLeastConnections(),
			NewHealthAware(Weights{}),
		}
	}
	if window <= 0 {
		window = 50
	}
	return &Adaptive{
		delegates: delegates,
		stats:     make([]delegateStats, len(delegates)),
		window:    window,
		logger:    logger,
	}
}

func (s *Adaptive) Name() string { return "adaptive" }

func (s *Adaptive) Select(cands []Candidate, ctx Context) (string, error) {
	s.mu.Lock()
	active := s.delegates[s.active]
	s.mu.Unlock()
	return active.Select(cands, ctx)
}

// Observe records a completion outcome against the active delegate and
// switches strategies at window boundaries.
func (s *Adaptive) Observe(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.stats[s.active]
	sample := 0.0
	if success {
		sample = 1.0
	}
	if st.samples == 0 {
		st.successRate = sample
		st.avgLatency = latency
	} else {
		st.successRate = st.successRate*0.8 + sample*0.2
		st.avgLatency = time.Duration(float64(st.avgLatency)*0.8 + float64(latency)*0.2)
	}
	st.samples++

	s.observed++
	if s.observed < s.window {
		return
	}
	s.observed = 0

	best := s.active
	bestScore := s.blend(s.stats[s.active])
	for i := range s.delegates {
		if i == s.active {
			continue
		}
		if sc := s.blend(s.stats[i]); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	if best != s.active {
		s.logger.Info("switching balancing strategy",
			zap.String("from", s.delegates[s.active].Name()),
			zap.String("to", s.delegates[best].Name()))
		s.active = best
	}
}

// ActiveName reports the delegate currently in use.
func (s *Adaptive) ActiveName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegates[s.active].Name()
}

// blend scores success rate against normalized latency. Untried delegates
// score neutral so a degrading active delegate loses to them.
func (s *Adaptive) blend(st delegateStats) float64 {
	if st.samples == 0 {
		return 0.75
	}
	latencyPenalty := float64(st.avgLatency) / float64(st.avgLatency+500*time.Millisecond)
	return st.successRate - 0.5*latencyPenalty
}
