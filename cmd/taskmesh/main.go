package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nidhogg/taskmesh/internal/api"
	"github.com/nidhogg/taskmesh/internal/balancer"
	"github.com/nidhogg/taskmesh/internal/config"
	"github.com/nidhogg/taskmesh/internal/executor"
	"github.com/nidhogg/taskmesh/internal/health"
	"github.com/nidhogg/taskmesh/internal/scheduler"
	"github.com/nidhogg/taskmesh/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting taskmesh...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/taskmesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Optional redis: distributed execution and the cache probe degrade to
	// local-only when it is unreachable.
	var redisClient *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, rerr := redis.ParseURL(cfg.Database.Redis.URL)
		if rerr != nil {
			logger.Warn("bad redis url, running local-only", zap.Error(rerr))
		} else {
			client := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if perr := client.Ping(pingCtx).Err(); perr != nil {
				logger.Warn("Redis unavailable, running local-only", zap.Error(perr))
				client.Close()
			} else {
				redisClient = client
				logger.Info("Redis connected")
			}
			cancel()
		}
	}

	// Optional postgres: only feeds the health probe.
	var pgPool *pgxpool.Pool
	if cfg.Database.Postgres.DSN != "" {
		pool, perr := pgxpool.New(context.Background(), cfg.Database.Postgres.DSN)
		if perr != nil {
			logger.Warn("PostgreSQL unavailable, running without db probe", zap.Error(perr))
		} else {
			pgPool = pool
		}
	}

	// Selection strategy
	weights := balancer.Weights{
		Health:           cfg.Balancer.Scoring.HealthWeight,
		Performance:      cfg.Balancer.Scoring.PerformanceWeight,
		Connection:       cfg.Balancer.Scoring.ConnectionWeight,
		PriorityAffinity: cfg.Balancer.Scoring.PriorityAffinity,
		ResponseTimeSLO:  time.Duration(cfg.Balancer.Scoring.ResponseTimeSLOMS) * time.Millisecond,
	}
	strategy, err := balancer.New(cfg.Balancer.Strategy, weights, logger)
	if err != nil {
		logger.Fatal("failed to build strategy", zap.Error(err))
	}

	// Executor: redis streams when available, otherwise in-process handlers.
	var exec scheduler.Executor
	local := executor.NewLocal(cfg.Scheduler.MaxConcurrent, logger)
	registerBuiltins(local)
	if redisClient != nil {
		exec = executor.NewRedis(redisClient, logger)
		logger.Info("Using redis stream executor")
	} else {
		exec = local
		logger.Info("Using local executor")
	}

	// Scheduler
	schemas := task.NewSchemaRegistry(false)
	registry := scheduler.NewRegistry(logger)
	sched := scheduler.New(registry, strategy, exec, schemas, scheduler.Options{
		TickInterval:    cfg.TickInterval(),
		DefaultTimeout:  cfg.DefaultTimeout(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
		HeartbeatMaxAge: time.Duration(cfg.Scheduler.HeartbeatMaxSec) * time.Second,
		DoneHistory:     cfg.Scheduler.DoneHistory,
	}, logger)
	sched.Start()

	// Health: checker probes feed both the monitor and the fleet aggregator.
	checker := health.NewChecker(time.Duration(cfg.Health.ProbeTimeoutSec)*time.Second, logger)
	checker.Register("system", health.SystemProbe(health.SystemThresholds{
		CPUPercent:  cfg.Health.CPUThresholdPct,
		MemPercent:  cfg.Health.MemThresholdPct,
		DiskPercent: cfg.Health.DiskThresholdPct,
	}))
	if redisClient != nil {
		checker.Register("redis", health.RedisProbe(redisClient))
	}
	if pgPool != nil {
		checker.Register("postgres", health.PostgresProbe(pgPool))
	}

	monitor := health.NewMonitor(checker, health.MonitorOptions{
		Interval:         time.Duration(cfg.Health.IntervalSec) * time.Second,
		FailureThreshold: cfg.Health.FailureThreshold,
		AlertCooldown:    time.Duration(cfg.Health.AlertCooldownSec) * time.Second,
		HistorySize:      cfg.Health.HistorySize,
	}, logger)
	monitor.Start()

	aggregator := health.NewAggregator(time.Duration(cfg.Health.FreshnessSec)*time.Second, logger)
	for _, name := range checker.Names() {
		critical := name == "redis"
		_ = aggregator.RegisterService(health.ServiceSpec{Name: name, Critical: critical})
	}

	// Mirror the monitor's view into the aggregator on the same cadence.
	aggCtx, aggCancel := context.WithCancel(context.Background())
	go func() {
		interval := time.Duration(cfg.Health.IntervalSec) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		seen := make(map[string]struct{})
		for {
			select {
			case <-aggCtx.Done():
				return
			case <-ticker.C:
				summary := monitor.Summary()
				for name, state := range summary.Components {
					_ = aggregator.UpdateServiceHealth(name, state)
				}
				for _, alert := range summary.Alerts {
					if _, ok := seen[alert.ID]; ok {
						continue
					}
					seen[alert.ID] = struct{}{}
					_ = aggregator.AddAlert(alert.Component, alert)
				}
			}
		}
	}()

	// Build HTTP handler
	handler := api.NewHandler(sched, monitor, aggregator, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("taskmesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down taskmesh...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	sched.Stop()
	monitor.Stop()
	aggCancel()
	if redisClient != nil {
		redisClient.Close()
	}
	if pgPool != nil {
		pgPool.Close()
	}
}

// registerBuiltins installs the handlers every deployment gets: echo for
// smoke tests and sleep for drills against the timeout path.
func registerBuiltins(local *executor.Local) {
	local.Register("echo", func(ctx context.Context, t task.Task) (map[string]any, error) {
		return map[string]any{"echo": t.Payload}, nil
	})
	local.Register("sleep", func(ctx context.Context, t task.Task) (map[string]any, error) {
		ms, _ := t.Payload["duration_ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"slept_ms": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
