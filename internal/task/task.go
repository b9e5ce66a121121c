package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within a pool. Lower value is served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps an API-facing priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final. A retried task goes back to
// pending, never out of a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Task is one unit of work routed to a worker pool.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Pool     string         `json:"pool"`
	Priority Priority       `json:"priority"`
	Payload  map[string]any `json:"payload,omitempty"`
	Timeout  time.Duration  `json:"timeout"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`

	// Seq is assigned by the queue at first enqueue and preserved across
	// requeues so a task that found no worker keeps its FIFO position.
	Seq uint64 `json:"-"`
}

// New builds a pending task with a fresh id.
func New(taskType, pool string, payload map[string]any, priority Priority, timeout time.Duration) *Task {
	return &Task{
		ID:       uuid.New().String(),
		Type:     taskType,
		Pool:     pool,
		Priority: priority,
		Payload:  payload,
		Timeout:  timeout,
		Status:   StatusPending,

		CreatedAt: time.Now(),
	}
}

// Before implements the queue ordering: priority first, then submission
// order within equal priority.
func (t *Task) Before(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.Seq < other.Seq
}

// StatusView is the externally visible snapshot returned by status polling.
type StatusView struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Pool        string         `json:"pool"`
	Priority    string         `json:"priority"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// View copies the fields a caller may see. The scheduler hands out views,
// never pointers into queue-owned state.
func (t *Task) View() StatusView {
	return StatusView{
		ID:          t.ID,
		Type:        t.Type,
		Pool:        t.Pool,
		Priority:    t.Priority.String(),
		Status:      t.Status,
		RetryCount:  t.RetryCount,
		WorkerID:    t.WorkerID,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
