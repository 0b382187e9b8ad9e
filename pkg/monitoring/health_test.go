package monitoring

import (
	"testing"
)

func TestHealthCheckerAggregation(t *testing.T) {
	hc := NewHealthChecker("dreamwindow", "test")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}

	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"A": "set", "B": ""})
	if got := check().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing config, got %s", got)
	}

	check = ConfigurationHealthCheck(map[string]string{"A": "set"})
	if got := check().Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}
}

func TestDirWritableHealthCheck(t *testing.T) {
	check := DirWritableHealthCheck(t.TempDir())
	if got := check().Status; got != StatusHealthy {
		t.Fatalf("expected healthy for temp dir, got %s", got)
	}

	check = DirWritableHealthCheck("/nonexistent/dreamwindow")
	if got := check().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing dir, got %s", got)
	}
}

func TestMetricsCollectorIsolatedRegistry(t *testing.T) {
	// Two collectors with the same service name must not collide.
	a := NewMetricsCollector("dreamwindow", "v1", "abc")
	b := NewMetricsCollector("dreamwindow", "v1", "abc")

	a.NewCounter("test_total", "test counter", []string{"label"}).WithLabelValues("x").Inc()
	b.NewGauge("test_gauge", "test gauge", []string{"label"}).WithLabelValues("x").Set(1)
}
