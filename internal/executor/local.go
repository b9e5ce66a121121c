// Package executor runs dispatched tasks, either in-process or over a
// redis stream to a remote worker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/taskmesh/internal/scheduler"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

var (
	// ErrNoHandler is returned when no handler is registered for the task type.
	ErrNoHandler = errors.New("no handler for task type")

	// ErrTimeout is returned when execution did not finish before the task
	// deadline.
	ErrTimeout = errors.New("execution deadline exceeded")
)

// Handler performs one task type. The returned map becomes the task result.
type Handler func(ctx context.Context, t task.Task) (map[string]any, error)

// Local executes tasks in-process through registered handlers, bounded by a
// semaphore so a flood of dispatches cannot exhaust the host.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sem      chan struct{}
	logger   *zap.Logger
}

// NewLocal creates a local executor running at most maxConcurrent tasks at
// once (default 16).
func NewLocal(maxConcurrent int, logger *zap.Logger) *Local {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Local{
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxConcurrent),
		logger:   logger,
	}
}

// Register adds or replaces the handler for a task type.
func (l *Local) Register(taskType string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[taskType] = h
}

// Execute runs the task's handler. Handler panics are converted into errors
// so the scheduler sees an ordinary failure.
func (l *Local) Execute(ctx context.Context, _ scheduler.Worker, t task.Task) (result map[string]any, err error) {
	l.mu.RLock()
	h, ok := l.handlers[t.Type]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t.Type)
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.sem }()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task handler panic",
				zap.String("task", t.ID),
				zap.String("type", t.Type),
				zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}
