package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// RoundRobin rotates through candidates with a per-pool cursor.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

func (s *RoundRobin) Name() string { return "round_robin" }

func (s *RoundRobin) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.cursors[ctx.Pool] % len(cands)
	s.cursors[ctx.Pool]++
	return cands[i].ID, nil
}

// WeightedRoundRobin uses the classic credit scheme: every round each
// candidate gains its weight in credits, the highest credit wins and is
// debited by the total pool weight. All credit mutation happens under one
// mutex so concurrent selections cannot drift the credits.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	credits map[string]int
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{credits: make(map[string]int)}
}

func (s *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (s *WeightedRoundRobin) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	best := -1
	for i, c := range cands {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		s.credits[c.ID] += w
		total += w
		if best == -1 || s.credits[c.ID] > s.credits[cands[best].ID] {
			best = i
		}
	}
	chosen := cands[best]
	s.credits[chosen.ID] -= total
	return chosen.ID, nil
}

// LeastConnections picks the candidate with the fewest in-flight tasks.
type LeastConnections struct{}

func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (s *LeastConnections) Name() string { return "least_connections" }

func (s *LeastConnections) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	best := 0
	for i, c := range cands {
		if c.Load < cands[best].Load {
			best = i
		}
	}
	return cands[best].ID, nil
}

// Random picks uniformly among candidates.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom seeds from the clock when seed is zero; tests pass a fixed seed.
func NewRandom(seed int64) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (s *Random) Name() string { return "random" }

func (s *Random) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cands[s.rng.Intn(len(cands))].ID, nil
}

// KeyHash routes a request key deterministically: the same key maps to the
// same candidate as long as the candidate set is unchanged.
type KeyHash struct{}

func NewKeyHash() *KeyHash { return &KeyHash{} }

func (s *KeyHash) Name() string { return "hash" }

func (s *KeyHash) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	return cands[hash32(ctx.key())%uint32(len(cands))].ID, nil
}

// ConsistentHash places each candidate on a virtual-node ring; a key keeps
// its worker when unrelated workers join or leave.
type ConsistentHash struct {
	vnodes int
}

func NewConsistentHash(vnodes int) *ConsistentHash {
	if vnodes <= 0 {
		vnodes = 64
	}
	return &ConsistentHash{vnodes: vnodes}
}

func (s *ConsistentHash) Name() string { return "consistent_hash" }

func (s *ConsistentHash) Select(cands []Candidate, ctx Context) (string, error) {
	if len(cands) == 0 {
		return "", ErrNoWorker
	}
	type point struct {
		hash uint32
		id   string
	}
	ring := make([]point, 0, len(cands)*s.vnodes)
	for _, c := range cands {
		for v := 0; v < s.vnodes; v++ {
			ring = append(ring, point{hash32(fmt.Sprintf("%s#%d", c.ID, v)), c.ID})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	kh := hash32(ctx.key())
	i := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= kh })
	if i == len(ring) {
		i = 0
	}
	return ring[i].id, nil
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
