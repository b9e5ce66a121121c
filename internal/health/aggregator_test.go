package health

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return NewAggregator(time.Minute, zap.NewNop())
}

func register(t *testing.T, a *Aggregator, spec ServiceSpec) {
	t.Helper()
	if err := a.RegisterService(spec); err != nil {
		t.Fatalf("register %s: %v", spec.Name, err)
	}
}

func update(t *testing.T, a *Aggregator, name string, state State) {
	t.Helper()
	if err := a.UpdateServiceHealth(name, state); err != nil {
		t.Fatalf("update %s: %v", name, err)
	}
}

func TestAggregatorAllHealthy(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "api"})
	register(t, a, ServiceSpec{Name: "db"})
	update(t, a, "api", StateHealthy)
	update(t, a, "db", StateHealthy)

	report := a.Report()
	if report.State != StateHealthy {
		t.Errorf("state = %s, want healthy", report.State)
	}
	if report.Score != 1.0 {
		t.Errorf("score = %v, want 1.0", report.Score)
	}
}

func TestAggregatorWeightedBlend(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "big", Weight: 3})
	register(t, a, ServiceSpec{Name: "small", Weight: 1})
	update(t, a, "big", StateHealthy)
	update(t, a, "small", StateUnhealthy)

	report := a.Report()
	// (1.0*3 + 0.0*1) / 4 = 0.75
	if report.Score != 0.75 {
		t.Errorf("score = %v, want 0.75", report.Score)
	}
	if report.State != StateDegraded {
		t.Errorf("state = %s, want degraded", report.State)
	}
}

func TestAggregatorCriticalOverride(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "core", Critical: true})
	register(t, a, ServiceSpec{Name: "extra", Weight: 9})
	update(t, a, "core", StateUnhealthy)
	update(t, a, "extra", StateHealthy)

	report := a.Report()
	if report.State != StateUnhealthy {
		t.Errorf("critical service down should force unhealthy, got %s", report.State)
	}
	if len(report.CriticalIssues) != 1 {
		t.Errorf("expected a critical issue, got %v", report.CriticalIssues)
	}
}

func TestAggregatorCascadeDetection(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "api", Dependencies: []string{"db"}})
	register(t, a, ServiceSpec{Name: "db"})
	update(t, a, "api", StateUnhealthy)
	update(t, a, "db", StateUnhealthy)

	report := a.Report()
	if len(report.Cascades) != 1 {
		t.Fatalf("expected one cascade, got %v", report.Cascades)
	}
	if !strings.Contains(report.Cascades[0], "api") || !strings.Contains(report.Cascades[0], "db") {
		t.Errorf("cascade should name both services: %s", report.Cascades[0])
	}
}

func TestAggregatorStaleExclusion(t *testing.T) {
	a := NewAggregator(10*time.Millisecond, zap.NewNop())
	register(t, a, ServiceSpec{Name: "fresh"})
	register(t, a, ServiceSpec{Name: "stale"})
	update(t, a, "stale", StateUnhealthy)
	time.Sleep(20 * time.Millisecond)
	update(t, a, "fresh", StateHealthy)

	report := a.Report()
	if len(report.StaleServices) != 1 || report.StaleServices[0] != "stale" {
		t.Fatalf("expected stale service excluded, got %v", report.StaleServices)
	}
	// The stale unhealthy report must not drag the score down.
	if report.State != StateHealthy {
		t.Errorf("state = %s, want healthy", report.State)
	}
}

func TestAggregatorNeverUpdatedIsUnknown(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "silent"})

	report := a.Report()
	if report.State != StateUnknown {
		t.Errorf("fleet with no fresh reports should be unknown, got %s", report.State)
	}
	if len(report.StaleServices) != 1 {
		t.Errorf("never-updated service should be listed stale, got %v", report.StaleServices)
	}
}

func TestAggregatorServiceAlerts(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "db"})

	if err := a.AddAlert("ghost", Alert{Level: AlertWarning}); err == nil {
		t.Error("expected error for unknown service")
	}
	if err := a.AddAlert("db", Alert{Level: AlertCritical, Message: "connection pool exhausted"}); err != nil {
		t.Fatalf("add alert: %v", err)
	}

	got := a.Report().Alerts["db"]
	if len(got) != 1 || got[0].Message != "connection pool exhausted" {
		t.Fatalf("expected the alert in the fleet report, got %v", got)
	}
	if got[0].RaisedAt.IsZero() {
		t.Error("expected a raised timestamp to be stamped")
	}
}

func TestAggregatorServiceAlertsBounded(t *testing.T) {
	a := newTestAggregator(t)
	register(t, a, ServiceSpec{Name: "db"})
	for i := 0; i < maxServiceAlerts+10; i++ {
		if err := a.AddAlert("db", Alert{Level: AlertWarning, Message: "slow query"}); err != nil {
			t.Fatalf("add alert %d: %v", i, err)
		}
	}
	if got := len(a.Report().Alerts["db"]); got != maxServiceAlerts {
		t.Errorf("alert list length = %d, want %d", got, maxServiceAlerts)
	}
}

func TestAggregatorValidation(t *testing.T) {
	a := newTestAggregator(t)
	if err := a.RegisterService(ServiceSpec{}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := a.RegisterService(ServiceSpec{Name: "x", Weight: -1}); err == nil {
		t.Error("expected error for negative weight")
	}
	if err := a.UpdateServiceHealth("ghost", StateHealthy); err == nil {
		t.Error("expected error for unknown service")
	}
}
