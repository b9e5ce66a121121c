package scheduler

import (
	"sync"
	"time"

	"github.com/nidhogg/taskmesh/internal/balancer"
	"go.uber.org/zap"
)

// Worker is a schedulable execution target.
type Worker struct {
	ID            string    `json:"id"`
	Pool          string    `json:"pool"`
	Endpoint      string    `json:"endpoint"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	MaxCapacity   int       `json:"max_capacity"`
	Weight        int       `json:"weight"`
	CurrentLoad   int       `json:"current_load"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Rolling metrics fed back from the dispatch path.
	AvgResponseTime time.Duration `json:"avg_response_time"`
	TotalTasks      int64         `json:"total_tasks"`
	SuccessTasks    int64         `json:"success_tasks"`
	RecentFailures  int           `json:"recent_failures"`
}

// SuccessRate is successes over total; a worker with no history scores 1.0.
func (w *Worker) SuccessRate() float64 {
	if w.TotalTasks == 0 {
		return 1.0
	}
	return float64(w.SuccessTasks) / float64(w.TotalTasks)
}

func (w *Worker) accepts(taskType string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Registry holds the worker fleet. It is the one piece of state shared by
// every pool loop, the completion callbacks and the health path, so all
// access goes through its mutex. Selection and the load increment happen
// under the same lock, which keeps select/acquire atomic.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string // first-seen order, used for selection tie breaks
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		logger:  logger,
	}
}

// Upsert registers a worker or updates it in place; registration is
// idempotent by id and never duplicates an entry.
func (r *Registry) Upsert(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workers[w.ID]; ok {
		existing.Pool = w.Pool
		existing.Endpoint = w.Endpoint
		existing.Capabilities = w.Capabilities
		existing.MaxCapacity = w.MaxCapacity
		existing.Weight = w.Weight
		existing.LastHeartbeat = time.Now()
		r.logger.Debug("worker updated", zap.String("worker", w.ID))
		return
	}
	nw := w
	if nw.MaxCapacity <= 0 {
		nw.MaxCapacity = 10
	}
	if nw.Weight <= 0 {
		nw.Weight = 1
	}
	nw.Healthy = true
	nw.LastHeartbeat = time.Now()
	r.workers[w.ID] = &nw
	r.order = append(r.order, w.ID)
	r.logger.Info("worker registered",
		zap.String("worker", w.ID),
		zap.String("pool", w.Pool),
		zap.Int("capacity", nw.MaxCapacity))
}

// Remove unregisters a worker.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("worker unregistered", zap.String("worker", id))
	return true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Acquire selects one eligible worker for the pool via the strategy and
// increments its load, all under one lock. Eligible means healthy, below
// capacity, and accepting the task type. Returns a copy of the chosen
// worker, or balancer.ErrNoWorker.
func (r *Registry) Acquire(strategy balancer.Strategy, ctx balancer.Context) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cands := make([]balancer.Candidate, 0, len(r.order))
	for _, id := range r.order {
		w := r.workers[id]
		if w.Pool != ctx.Pool || !w.Healthy || w.CurrentLoad >= w.MaxCapacity {
			continue
		}
		if !w.accepts(ctx.TaskType) {
			continue
		}
		cands = append(cands, balancer.Candidate{
			ID:              w.ID,
			Weight:          w.Weight,
			Load:            w.CurrentLoad,
			Capacity:        w.MaxCapacity,
			AvgResponseTime: w.AvgResponseTime,
			SuccessRate:     w.SuccessRate(),
			RecentFailures:  w.RecentFailures,
		})
	}
	id, err := strategy.Select(cands, ctx)
	if err != nil {
		return Worker{}, err
	}
	w := r.workers[id]
	w.CurrentLoad++
	return *w, nil
}

// Release pairs with Acquire: it decrements load and folds the sample into
// the worker's rolling metrics. The response-time average uses exponential
// smoothing (new = old*0.8 + sample*0.2).
func (r *Registry) Release(id string, elapsed time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	w.TotalTasks++
	if success {
		w.SuccessTasks++
		w.RecentFailures = 0
	} else {
		w.RecentFailures++
	}
	if w.AvgResponseTime == 0 {
		w.AvgResponseTime = elapsed
	} else {
		w.AvgResponseTime = time.Duration(float64(w.AvgResponseTime)*0.8 + float64(elapsed)*0.2)
	}
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	return true
}

// SetHealthy flips a worker's healthy flag; unhealthy workers are never
// selected until the flag is restored.
func (r *Registry) SetHealthy(id string, healthy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	if w.Healthy != healthy {
		r.logger.Info("worker health changed",
			zap.String("worker", id),
			zap.Bool("healthy", healthy))
	}
	w.Healthy = healthy
	return true
}

// MarkStale flags workers whose last heartbeat is older than maxAge as
// unhealthy and returns their ids.
func (r *Registry) MarkStale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, w := range r.workers {
		if w.Healthy && w.LastHeartbeat.Before(cutoff) {
			w.Healthy = false
			stale = append(stale, w.ID)
			r.logger.Warn("worker heartbeat stale", zap.String("worker", w.ID))
		}
	}
	return stale
}

// Pools returns the distinct pools with at least one registered worker.
func (r *Registry) Pools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var pools []string
	for _, id := range r.order {
		w := r.workers[id]
		if _, ok := seen[w.Pool]; !ok {
			seen[w.Pool] = struct{}{}
			pools = append(pools, w.Pool)
		}
	}
	return pools
}

// Snapshot returns copies of every worker, in registration order.
func (r *Registry) Snapshot() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.workers[id])
	}
	return out
}

// Len reports the registry size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
