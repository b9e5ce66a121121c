package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/taskmesh/internal/health"
	"github.com/nidhogg/taskmesh/internal/scheduler"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sched      *scheduler.Scheduler
	monitor    *health.Monitor
	aggregator *health.Aggregator
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sched *scheduler.Scheduler, monitor *health.Monitor, aggregator *health.Aggregator, logger *zap.Logger) *Handler {
	return &Handler{
		sched:      sched,
		monitor:    monitor,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)

		r.Post("/workers", h.registerWorker)
		r.Delete("/workers/{id}", h.unregisterWorker)
		r.Post("/workers/{id}/heartbeat", h.workerHeartbeat)

		r.Get("/stats", h.stats)
		r.Get("/health", h.healthSummary)
		r.Get("/health/fleet", h.fleetReport)
	})

	return r
}

type submitRequest struct {
	Type       string         `json:"type"`
	Pool       string         `json:"pool"`
	Payload    map[string]any `json:"payload"`
	Priority   *int           `json:"priority,omitempty"`
	TimeoutSec float64        `json:"timeout_sec,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = task.Priority(*req.Priority)
	}
	timeout := time.Duration(req.TimeoutSec * float64(time.Second))

	id, err := h.sched.Submit(req.Type, req.Pool, req.Payload, priority, timeout)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, scheduler.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  string(task.StatusPending),
	})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.sched.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sched.Cancel(id); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, scheduler.ErrNotCancellable) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

type workerRequest struct {
	ID           string   `json:"id"`
	Pool         string   `json:"pool"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxCapacity  int      `json:"max_capacity,omitempty"`
	Weight       int      `json:"weight,omitempty"`
}

func (h *Handler) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Pool) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and pool are required"})
		return
	}

	err := h.sched.RegisterWorker(scheduler.Worker{
		ID:           req.ID,
		Pool:         req.Pool,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		MaxCapacity:  req.MaxCapacity,
		Weight:       req.Weight,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"worker_id": req.ID,
		"pool":      req.Pool,
		"status":    "registered",
	})
}

func (h *Handler) unregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sched.UnregisterWorker(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": id, "status": "unregistered"})
}

func (h *Handler) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sched.Registry().Heartbeat(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": id, "status": "ok"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Stats())
}

func (h *Handler) healthSummary(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitor not initialized"})
		return
	}
	summary := h.monitor.Summary()
	status := http.StatusOK
	if summary.State == health.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, summary)
}

func (h *Handler) fleetReport(w http.ResponseWriter, r *http.Request) {
	if h.aggregator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "aggregator not initialized"})
		return
	}
	report := h.aggregator.Report()
	status := http.StatusOK
	if report.State == health.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
