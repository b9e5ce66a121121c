package balancer

import (
	"time"
)

// Weights tunes the composite score of the health-aware strategy. Zero
// values fall back to the defaults below so deployments only override what
// they tune.
type Weights struct {
	Health           float64       `json:"health"`
	Performance      float64       `json:"performance"`
	Connection       float64       `json:"connection"`
	PriorityAffinity float64       `json:"priority_affinity"`
	ResponseTimeSLO  time.Duration `json:"-"`
}

func (w Weights) withDefaults() Weights {
	if w.Health == 0 {
		w.Health = 0.4
	}
	if w.Performance == 0 {
		w.Performance = 0.3
	}
	if w.Connection == 0 {
		w.Connection = 0.3
	}
	if w.PriorityAffinity == 0 {
		w.PriorityAffinity = 0.1
	}
	if w.ResponseTimeSLO <= 0 {
		w.ResponseTimeSLO = 500 * time.Millisecond
	}
	return w
}

// Validate rejects negative weights; a config with all zeros is valid and
// means "use defaults".
func (w Weights) Validate() bool {
	return w.Health >= 0 && w.Performance >= 0 && w.Connection >= 0 && w.PriorityAffinity >= 0
}

// HealthAware blends health, performance and connection load into one score
// and picks the highest. Urgent tasks get an extra affinity bonus on
// low-latency workers. Ties keep the first-seen candidate.
type HealthAware struct {
	weights Weights
}

func NewHealthAware(w Weights) *HealthAware {
	return &HealthAware{weights: w.withDefaults()}
}

func (s *HealthAware) Name() string { return "health_aware" }

func (s *HealthAware) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	best := 0
	bestScore := s.score(cands[0], ctx)
	for i := 1; i < len(cands); i++ {
		if sc := s.score(cands[i], ctx); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	return cands[best].ID, nil
}

func (s *HealthAware) score(c Candidate, ctx Context) float64 {
	w := s.weights
	score := w.Health*healthScore(c) + w.Performance*perfScore(c, w.ResponseTimeSLO) + w.Connection*connScore(c)

	// High-priority tasks prefer workers with headroom on latency.
	if ctx.Priority <= 1 && c.AvgResponseTime > 0 && c.AvgResponseTime < w.ResponseTimeSLO {
		score += w.PriorityAffinity * (1 - float64(c.AvgResponseTime)/float64(w.ResponseTimeSLO))
	}
	return score
}

func healthScore(c Candidate) float64 {
	return 1.0 / (1.0 + float64(c.RecentFailures))
}

// perfScore is 1.0 up to the SLO and decays linearly to a floor beyond it.
// A worker with no samples yet scores neutral rather than being penalized.
func perfScore(c Candidate, slo time.Duration) float64 {
	const (
		neutral = 0.5
		floor   = 0.1
	)
	if c.AvgResponseTime <= 0 {
		return neutral
	}
	if c.AvgResponseTime <= slo {
		return 1.0
	}
	over := float64(c.AvgResponseTime-slo) / float64(4*slo)
	if score := 1.0 - over; score > floor {
		return score
	}
	return floor
}

// connScore holds at 1.0 until half utilization, then decays, steepening
// past 80%.
func connScore(c Candidate) float64 {
	if c.Capacity <= 0 {
		return 0.5
	}
	u := float64(c.Load) / float64(c.Capacity)
	switch {
	case u <= 0.5:
		return 1.0
	case u <= 0.8:
		return 1.0 - (u-0.5)/0.3*0.5
	default:
		score := 0.5 - (u-0.8)/0.2*0.4
		if score < 0.1 {
			return 0.1
		}
		return score
	}
}
