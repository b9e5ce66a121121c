package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertLevel ranks alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert records a raised condition. Resolved alerts stay in the list with
// ResolvedAt set, so operators can see what happened and when.
type Alert struct {
	ID         string     `json:"id"`
	Component  string     `json:"component"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// MonitorOptions tunes the polling loop. Zero values use the defaults below.
type MonitorOptions struct {
	Interval         time.Duration
	FailureThreshold int
	SlowThreshold    time.Duration
	AlertCooldown    time.Duration
	HistorySize      int
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 2 * time.Second
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = 5 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	return o
}

// Monitor polls a Checker on an interval, tracks per-component failure
// streaks and bounded result histories, and raises alerts when components
// fail repeatedly or respond slowly.
type Monitor struct {
	checker *Checker
	opts    MonitorOptions
	logger  *zap.Logger

	mu         sync.Mutex
	histories  map[string][]Result
	consecFail map[string]int
	alerts     []*Alert
	lastRaised map[string]time.Time
	lastState  State
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewMonitor(checker *Checker, opts MonitorOptions, logger *zap.Logger) *Monitor {
	return &Monitor{
		checker:    checker,
		opts:       opts.withDefaults(),
		logger:     logger,
		histories:  make(map[string][]Result),
		consecFail: make(map[string]int),
		lastRaised: make(map[string]time.Time),
		lastState:  StateUnknown,
	}
}

// Start launches the polling loop. Calling it twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	m.logger.Info("health monitor started", zap.Duration("interval", m.opts.Interval))
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs every probe once and updates histories, streaks and alerts. It
// is exported so tests and HTTP handlers can force a fresh sample.
func (m *Monitor) Poll(ctx context.Context) Report {
	report := m.checker.Run(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, res := range report.Results {
		hist := append(m.histories[res.Component], res)
		if len(hist) > m.opts.HistorySize {
			hist = hist[len(hist)-m.opts.HistorySize:]
		}
		m.histories[res.Component] = hist

		switch {
		case res.State == StateUnhealthy:
			m.consecFail[res.Component]++
			if m.consecFail[res.Component] >= m.opts.FailureThreshold {
				m.raise(res.Component, AlertCritical,
					fmt.Sprintf("component unhealthy %d checks in a row", m.consecFail[res.Component]), now)
			}
		case res.State == StateDegraded:
			m.consecFail[res.Component] = 0
			m.raise(res.Component, AlertWarning, "component degraded", now)
		default:
			if m.consecFail[res.Component] > 0 || res.State == StateHealthy {
				m.resolve(res.Component, now)
			}
			m.consecFail[res.Component] = 0
		}

		if res.State != StateUnhealthy && res.Latency > m.opts.SlowThreshold {
			m.raise(res.Component, AlertWarning, "health check slow", now)
		}
	}
	if report.State != m.lastState {
		m.logger.Info("overall health changed",
			zap.String("from", string(m.lastState)),
			zap.String("to", string(report.State)))
		m.lastState = report.State
	}
	return report
}

// raise appends an alert unless an unresolved one for the same component and
// level was raised within the cooldown. Must be called with the lock held.
func (m *Monitor) raise(component string, level AlertLevel, message string, now time.Time) {
	key := component + "/" + string(level)
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < m.opts.AlertCooldown {
		return
	}
	m.lastRaised[key] = now
	m.appendAlert(&Alert{
		ID:        uuid.New().String(),
		Component: component,
		Level:     level,
		Message:   message,
		RaisedAt:  now,
	})
	m.logger.Warn("health alert raised",
		zap.String("component", component),
		zap.String("level", string(level)),
		zap.String("message", message))
}

// appendAlert records an alert; once the list exceeds HistorySize the oldest
// entries are evicted. Must be called with the lock held.
func (m *Monitor) appendAlert(a *Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.opts.HistorySize {
		m.alerts = m.alerts[len(m.alerts)-m.opts.HistorySize:]
	}
}

// resolve stamps every open alert for the component and leaves an
// informational recovery entry behind. Must be called with the lock held.
func (m *Monitor) resolve(component string, now time.Time) {
	n := 0
	for _, a := range m.alerts {
		if a.Component == component && a.ResolvedAt == nil {
			resolved := now
			a.ResolvedAt = &resolved
			n++
			m.logger.Info("health alert resolved",
				zap.String("component", component),
				zap.String("level", string(a.Level)))
		}
	}
	if n == 0 {
		return
	}
	resolved := now
	m.appendAlert(&Alert{
		ID:         uuid.New().String(),
		Component:  component,
		Level:      AlertInfo,
		Message:    "component recovered",
		RaisedAt:   now,
		ResolvedAt: &resolved,
	})
}

// Trend compares failure rates over two trailing windows.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Summary is the monitor's aggregate view for the health endpoint.
type Summary struct {
	State        State            `json:"state"`
	ActiveAlerts int              `json:"active_alerts"`
	Alerts       []Alert          `json:"alerts"`
	Components   map[string]State `json:"components"`
	Trend        Trend            `json:"trend"`
}

func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	components := make(map[string]State, len(m.histories))
	for name, hist := range m.histories {
		if len(hist) == 0 {
			components[name] = StateUnknown
			continue
		}
		components[name] = hist[len(hist)-1].State
	}

	alerts := make([]Alert, 0, len(m.alerts))
	active := 0
	for _, a := range m.alerts {
		alerts = append(alerts, *a)
		if a.ResolvedAt == nil {
			active++
		}
	}

	return Summary{
		State:        m.lastState,
		ActiveAlerts: active,
		Alerts:       alerts,
		Components:   components,
		Trend:        m.trend(),
	}
}

// trend splits each component's history into two trailing halves and
// compares their aggregate failure rates. Must be called with the lock held.
func (m *Monitor) trend() Trend {
	var oldBad, oldTotal, newBad, newTotal int
	for _, hist := range m.histories {
		if len(hist) < 4 {
			continue
		}
		mid := len(hist) / 2
		for _, r := range hist[:mid] {
			oldTotal++
			if r.State != StateHealthy {
				oldBad++
			}
		}
		for _, r := range hist[mid:] {
			newTotal++
			if r.State != StateHealthy {
				newBad++
			}
		}
	}
	if oldTotal == 0 || newTotal == 0 {
		return TrendStable
	}
	oldRate := float64(oldBad) / float64(oldTotal)
	newRate := float64(newBad) / float64(newTotal)
	switch {
	case newRate < oldRate-0.05:
		return TrendImproving
	case newRate > oldRate+0.05:
		return TrendDegrading
	default:
		return TrendStable
	}
}
