package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/taskmesh/internal/scheduler"
	"github.com/nidhogg/taskmesh/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	workerStreamPrefix = "taskmesh:worker:"
	resultStreamPrefix = "taskmesh:result:"

	// Streams are capped so an abandoned worker queue cannot grow without
	// bound.
	streamMaxLen = 10_000

	resultTTL = 10 * time.Minute
)

// Redis dispatches tasks onto a per-worker redis stream and blocks on the
// task's result stream until the deadline. Worker processes consume their
// stream with WorkerLoop, possibly on other hosts.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func workerStream(workerID string) string { return workerStreamPrefix + workerID }
func resultStream(taskID string) string   { return resultStreamPrefix + taskID }

// Execute publishes the task envelope and waits for the result entry. When
// no worker answers before the context deadline the caller gets ErrTimeout
// and the queue's retry policy takes over.
func (r *Redis) Execute(ctx context.Context, worker scheduler.Worker, t task.Task) (map[string]any, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: workerStream(worker.ID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":    t.ID,
			"task_type":  t.Type,
			"payload":    string(payload),
			"timeout_ms": t.Timeout.Milliseconds(),
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("publish task %s: %w", t.ID, err)
	}

	block := time.Until(deadlineOf(ctx, t.Timeout))
	if block <= 0 {
		return nil, ErrTimeout
	}
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{resultStream(t.ID), "0"},
		Count:   1,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read result %s: %w", t.ID, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, ErrTimeout
	}
	defer r.client.Del(context.WithoutCancel(ctx), resultStream(t.ID))

	return decodeResult(streams[0].Messages[0].Values)
}

func deadlineOf(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

func decodeResult(values map[string]interface{}) (map[string]any, error) {
	if errMsg, _ := values["error"].(string); errMsg != "" {
		return nil, errors.New(errMsg)
	}
	raw, _ := values["result"].(string)
	if raw == "" {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// WorkerLoop consumes one worker's task stream until the context ends,
// running each envelope through the matching handler and publishing the
// outcome to the task's result stream. It lets a plain process serve as a
// remote worker.
func (r *Redis) WorkerLoop(ctx context.Context, workerID string, handlers map[string]Handler) error {
	// Reading from 0 replays envelopes published before the loop came up,
	// including across a worker restart. Stale replays produce results no
	// one reads; the result TTL cleans those up.
	stream := workerStream(workerID)
	lastID := "0"
	r.logger.Info("worker loop started",
		zap.String("worker", workerID),
		zap.String("stream", stream))

	for {
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   8,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("worker stream read failed",
				zap.String("worker", workerID),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				r.handleEnvelope(ctx, workerID, msg.Values, handlers)
			}
		}
	}
}

func (r *Redis) handleEnvelope(ctx context.Context, workerID string, values map[string]interface{}, handlers map[string]Handler) {
	taskID, _ := values["task_id"].(string)
	taskType, _ := values["task_type"].(string)
	if taskID == "" {
		return
	}

	var payload map[string]any
	if raw, _ := values["payload"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			r.publishResult(ctx, taskID, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
	}

	timeout := 30 * time.Second
	if raw, _ := values["timeout_ms"].(string); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	h, ok := handlers[taskType]
	if !ok {
		r.publishResult(ctx, taskID, nil, fmt.Errorf("%w: %s", ErrNoHandler, taskType))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := task.Task{ID: taskID, Type: taskType, Payload: payload, Timeout: timeout, WorkerID: workerID}
	result, err := func() (res map[string]any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		return h(runCtx, t)
	}()
	r.publishResult(ctx, taskID, result, err)
}

func (r *Redis) publishResult(ctx context.Context, taskID string, result map[string]any, execErr error) {
	values := map[string]interface{}{}
	if execErr != nil {
		values["error"] = execErr.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			values["error"] = fmt.Sprintf("encode result: %v", err)
		} else {
			values["result"] = string(raw)
		}
	}

	stream := resultStream(taskID)
	if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		r.logger.Error("publish result failed",
			zap.String("task", taskID),
			zap.Error(err))
		return
	}
	r.client.Expire(ctx, stream, resultTTL)
}
