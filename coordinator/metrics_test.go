package coordinator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	// Touch the vectors so their families are gathered.
	executionsStarted.WithLabelValues("denied")
	criticalSections.WithLabelValues("granted")
	adminRequestsTotal.WithLabelValues("GET", "/healthz", "200")
	adminRequestDuration.WithLabelValues("GET", "/healthz")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"taskkit_executions_started_total",
		"taskkit_executions_completed_total",
		"taskkit_keepalives_total",
		"taskkit_tokens_reclaimed_total",
		"taskkit_critical_sections_total",
		"taskkit_admin_requests_total",
		"taskkit_admin_request_duration_seconds",
	}
	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetricsFollowAdmission(t *testing.T) {
	svc, clock := newTestService(t)
	svc.SetLimit("metrics", "jobs", 1)

	granted := counterValue(t, "taskkit_executions_started_total", "grant", "granted")
	denied := counterValue(t, "taskkit_executions_started_total", "grant", "denied")
	reclaimed := counterValue(t, "taskkit_tokens_reclaimed_total", "", "")
	completed := counterValue(t, "taskkit_executions_completed_total", "", "")

	a := mustStart(t, svc, keepAliveStart("metrics", "jobs"))
	mustStart(t, svc, keepAliveStart("metrics", "jobs"))
	clock.Advance(31 * time.Second)
	mustStart(t, svc, keepAliveStart("metrics", "jobs"))
	mustComplete(t, svc, "metrics", "jobs", a.TaskExecutionID)

	if got := counterValue(t, "taskkit_executions_started_total", "grant", "granted") - granted; got != 2 {
		t.Errorf("granted delta = %v, want 2", got)
	}
	if got := counterValue(t, "taskkit_executions_started_total", "grant", "denied") - denied; got != 1 {
		t.Errorf("denied delta = %v, want 1", got)
	}
	if got := counterValue(t, "taskkit_tokens_reclaimed_total", "", "") - reclaimed; got != 1 {
		t.Errorf("reclaimed delta = %v, want 1", got)
	}
	if got := counterValue(t, "taskkit_executions_completed_total", "", "") - completed; got != 1 {
		t.Errorf("completed delta = %v, want 1", got)
	}
}

// counterValue reads a counter from the default registry. An empty label
// name selects the first series of the family.
func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var fam *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			fam = f
			break
		}
	}
	if fam == nil {
		return 0
	}
	for _, m := range fam.GetMetric() {
		if label == "" {
			return m.GetCounter().GetValue()
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
