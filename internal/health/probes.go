package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemThresholds bounds local resource usage in percent. A reading above
// a threshold degrades the component instead of failing it.
type SystemThresholds struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	DiskPath    string
}

func (t SystemThresholds) withDefaults() SystemThresholds {
	if t.CPUPercent <= 0 {
		t.CPUPercent = 90
	}
	if t.MemPercent <= 0 {
		t.MemPercent = 90
	}
	if t.DiskPercent <= 0 {
		t.DiskPercent = 90
	}
	if t.DiskPath == "" {
		t.DiskPath = "/"
	}
	return t
}

// SystemProbe samples cpu, memory and disk usage and degrades the component
// when any reading exceeds its threshold.
func SystemProbe(thresholds SystemThresholds) Probe {
	thresholds = thresholds.withDefaults()
	return func(ctx context.Context) (State, map[string]any, error) {
		details := make(map[string]any, 3)
		state := StateHealthy

		if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
			details["cpu_percent"] = pcts[0]
			if pcts[0] > thresholds.CPUPercent {
				state = StateDegraded
			}
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			details["mem_percent"] = vm.UsedPercent
			if vm.UsedPercent > thresholds.MemPercent {
				state = StateDegraded
			}
		}
		if du, err := disk.UsageWithContext(ctx, thresholds.DiskPath); err == nil {
			details["disk_percent"] = du.UsedPercent
			if du.UsedPercent > thresholds.DiskPercent {
				state = StateDegraded
			}
		}
		return state, details, nil
	}
}

// PostgresProbe pings the pool.
func PostgresProbe(pool *pgxpool.Pool) Probe {
	return func(ctx context.Context) (State, map[string]any, error) {
		if pool == nil {
			return StateUnknown, nil, nil
		}
		start := time.Now()
		if err := pool.Ping(ctx); err != nil {
			return StateUnhealthy, nil, fmt.Errorf("postgres ping: %w", err)
		}
		stat := pool.Stat()
		return StateHealthy, map[string]any{
			"ping_ms":     time.Since(start).Milliseconds(),
			"total_conns": stat.TotalConns(),
			"idle_conns":  stat.IdleConns(),
		}, nil
	}
}

// RedisProbe pings the client.
func RedisProbe(client *redis.Client) Probe {
	return func(ctx context.Context) (State, map[string]any, error) {
		if client == nil {
			return StateUnknown, nil, nil
		}
		start := time.Now()
		if err := client.Ping(ctx).Err(); err != nil {
			return StateUnhealthy, nil, fmt.Errorf("redis ping: %w", err)
		}
		return StateHealthy, map[string]any{
			"ping_ms": time.Since(start).Milliseconds(),
		}, nil
	}
}

// HTTPProbe issues a GET and compares the status code. A reachable endpoint
// with the wrong status is degraded; an unreachable one is unhealthy.
func HTTPProbe(client *http.Client, url string, wantStatus int) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if wantStatus == 0 {
		wantStatus = http.StatusOK
	}
	return func(ctx context.Context) (State, map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return StateUnhealthy, nil, fmt.Errorf("build request: %w", err)
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return StateUnhealthy, nil, fmt.Errorf("request %s: %w", url, err)
		}
		defer resp.Body.Close()

		details := map[string]any{
			"status":     resp.StatusCode,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if resp.StatusCode != wantStatus {
			return StateDegraded, details, nil
		}
		return StateHealthy, details, nil
	}
}
