package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Balancer  BalancerConfig  `json:"balancer"`
	Health    HealthConfig    `json:"health"`
	Database  DatabaseConfig  `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type SchedulerConfig struct {
	TickIntervalMS    int `json:"tick_interval_ms"`
	DefaultTimeoutSec int `json:"default_timeout_sec"`
	MaxRetries        int `json:"max_retries"`
	MaxConcurrent     int `json:"max_concurrent"`
	HeartbeatMaxSec   int `json:"heartbeat_max_sec"`
	DoneHistory       int `json:"done_history"`
}

type BalancerConfig struct {
	Strategy string        `json:"strategy"`
	Scoring  ScoringConfig `json:"scoring"`
}

type ScoringConfig struct {
	HealthWeight      float64 `json:"health_weight"`
	PerformanceWeight float64 `json:"performance_weight"`
	ConnectionWeight  float64 `json:"connection_weight"`
	PriorityAffinity  float64 `json:"priority_affinity"`
	ResponseTimeSLOMS int     `json:"response_time_slo_ms"`
}

type HealthConfig struct {
	IntervalSec      int     `json:"interval_sec"`
	FailureThreshold int     `json:"failure_threshold"`
	AlertCooldownSec int     `json:"alert_cooldown_sec"`
	HistorySize      int     `json:"history_size"`
	FreshnessSec     int     `json:"freshness_sec"`
	CPUThresholdPct  float64 `json:"cpu_threshold_pct"`
	MemThresholdPct  float64 `json:"mem_threshold_pct"`
	DiskThresholdPct float64 `json:"disk_threshold_pct"`
	ProbeTimeoutSec  int     `json:"probe_timeout_sec"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// knownStrategies are the selection strategies the balancer implements.
var knownStrategies = map[string]bool{
	"round_robin":          true,
	"weighted_round_robin": true,
	"least_connections":    true,
	"random":               true,
	"hash":                 true,
	"consistent_hash":      true,
	"health_aware":         true,
	"adaptive":             true,
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and validates the result. A bad strategy name or out-of-range weight is
// fatal at load time rather than at first dispatch.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects values the runtime could not recover from.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Balancer.Strategy != "" && !knownStrategies[c.Balancer.Strategy] {
		return fmt.Errorf("balancer.strategy %q is unknown", c.Balancer.Strategy)
	}
	s := c.Balancer.Scoring
	for name, w := range map[string]float64{
		"health_weight":      s.HealthWeight,
		"performance_weight": s.PerformanceWeight,
		"connection_weight":  s.ConnectionWeight,
		"priority_affinity":  s.PriorityAffinity,
	} {
		if w < 0 {
			return fmt.Errorf("balancer.scoring.%s must not be negative", name)
		}
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health.failure_threshold must not be negative")
	}
	return nil
}

// TickInterval returns the scheduler tick with its default applied.
func (c *Config) TickInterval() time.Duration {
	if c.Scheduler.TickIntervalMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.Scheduler.TickIntervalMS) * time.Millisecond
}

// DefaultTimeout returns the per-task timeout used when a submit omits one.
func (c *Config) DefaultTimeout() time.Duration {
	if c.Scheduler.DefaultTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Scheduler.DefaultTimeoutSec) * time.Second
}
