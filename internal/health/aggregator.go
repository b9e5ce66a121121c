package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServiceSpec declares a service the aggregator tracks across the fleet.
type ServiceSpec struct {
	Name         string
	Weight       float64
	Critical     bool
	Dependencies []string
}

type serviceEntry struct {
	spec      ServiceSpec
	state     State
	alerts    []Alert
	updatedAt time.Time
}

// maxServiceAlerts bounds the per-service alert list; oldest evicted first.
const maxServiceAlerts = 50

// Aggregator folds per-service health reports into one fleet-wide verdict.
// Services register once; their state is pushed in from wherever the checks
// actually run.
type Aggregator struct {
	mu        sync.RWMutex
	services  map[string]*serviceEntry
	freshness time.Duration
	logger    *zap.Logger
}

func NewAggregator(freshness time.Duration, logger *zap.Logger) *Aggregator {
	if freshness <= 0 {
		freshness = 2 * time.Minute
	}
	return &Aggregator{
		services:  make(map[string]*serviceEntry),
		freshness: freshness,
		logger:    logger,
	}
}

// RegisterService adds or replaces a tracked service. Weight defaults to 1;
// state starts UNKNOWN until the first update arrives.
func (a *Aggregator) RegisterService(spec ServiceSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("register service: name is required")
	}
	if spec.Weight < 0 {
		return fmt.Errorf("register service %s: negative weight", spec.Name)
	}
	if spec.Weight == 0 {
		spec.Weight = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.services[spec.Name]; ok {
		old.spec = spec
		return nil
	}
	a.services[spec.Name] = &serviceEntry{spec: spec, state: StateUnknown}
	return nil
}

// UpdateServiceHealth records a fresh state for a registered service.
func (a *Aggregator) UpdateServiceHealth(name string, state State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.services[name]
	if !ok {
		return fmt.Errorf("update health: unknown service %s", name)
	}
	if entry.state != state {
		a.logger.Info("service health changed",
			zap.String("service", name),
			zap.String("from", string(entry.state)),
			zap.String("to", string(state)))
	}
	entry.state = state
	entry.updatedAt = time.Now()
	return nil
}

// AddAlert attaches an alert to a registered service's rollup.
func (a *Aggregator) AddAlert(service string, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.services[service]
	if !ok {
		return fmt.Errorf("add alert: unknown service %s", service)
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now()
	}
	entry.alerts = append(entry.alerts, alert)
	if len(entry.alerts) > maxServiceAlerts {
		entry.alerts = entry.alerts[len(entry.alerts)-maxServiceAlerts:]
	}
	a.logger.Warn("service alert recorded",
		zap.String("service", service),
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message))
	return nil
}

// FleetReport is the aggregate view over the registered services.
type FleetReport struct {
	State          State              `json:"state"`
	Score          float64            `json:"score"`
	Services       map[string]State   `json:"services"`
	Alerts         map[string][]Alert `json:"alerts,omitempty"`
	StaleServices  []string           `json:"stale_services,omitempty"`
	Cascades       []string           `json:"cascades,omitempty"`
	CriticalIssues []string           `json:"critical_issues,omitempty"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

func stateScore(s State) float64 {
	switch s {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.5
	case StateUnknown:
		return 0.25
	default:
		return 0.0
	}
}

// Report computes the weighted fleet state. Services whose last update is
// older than the freshness window are excluded from the blend and listed as
// stale. An UNHEALTHY critical service forces the fleet UNHEALTHY no matter
// the blended score.
func (a *Aggregator) Report() FleetReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := time.Now()
	report := FleetReport{
		Services:    make(map[string]State, len(a.services)),
		GeneratedAt: now,
	}

	var weighted, totalWeight float64
	criticalDown := false
	for name, entry := range a.services {
		report.Services[name] = entry.state
		if len(entry.alerts) > 0 {
			if report.Alerts == nil {
				report.Alerts = make(map[string][]Alert)
			}
			report.Alerts[name] = append([]Alert(nil), entry.alerts...)
		}
		if entry.updatedAt.IsZero() || now.Sub(entry.updatedAt) > a.freshness {
			report.StaleServices = append(report.StaleServices, name)
			continue
		}
		weighted += stateScore(entry.state) * entry.spec.Weight
		totalWeight += entry.spec.Weight

		if entry.state == StateUnhealthy {
			if entry.spec.Critical {
				criticalDown = true
				report.CriticalIssues = append(report.CriticalIssues,
					fmt.Sprintf("critical service %s is unhealthy", name))
			}
			for _, dep := range entry.spec.Dependencies {
				if depEntry, ok := a.services[dep]; ok && depEntry.state == StateUnhealthy {
					report.Cascades = append(report.Cascades,
						fmt.Sprintf("%s and its dependency %s are both unhealthy", name, dep))
				}
			}
		}
	}
	sort.Strings(report.StaleServices)
	sort.Strings(report.Cascades)
	sort.Strings(report.CriticalIssues)

	if totalWeight == 0 {
		report.State = StateUnknown
		return report
	}
	report.Score = weighted / totalWeight

	switch {
	case criticalDown:
		report.State = StateUnhealthy
	case report.Score >= 0.8:
		report.State = StateHealthy
	case report.Score > 0:
		report.State = StateDegraded
	default:
		report.State = StateUnhealthy
	}
	return report
}
