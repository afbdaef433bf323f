package server

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LoginOutcome("google", "ok")
	m.TokenDegraded("google")
	m.UserInfoFallback("google")
	m.ObserveUpstream("google", "token", time.Millisecond)
}

func TestNewMetricsSharedRegistryRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	second, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second NewMetrics on the same registry: %v", err)
	}

	second.LoginOutcome("google", "ok")
	second.TokenDegraded("google")
	first.LoginOutcome("google", "ok")

	if got, err := testutil.GatherAndCount(reg, "yauthd_login_attempts_total"); err != nil || got != 1 {
		t.Fatalf("login attempt series = %d (err %v), want 1", got, err)
	}
	if got, err := testutil.GatherAndCount(reg, "yauthd_token_exchange_degraded_total"); err != nil || got != 1 {
		t.Fatalf("degraded series = %d (err %v), want 1", got, err)
	}
	if got := counterValue(t, first.loginAttempts.WithLabelValues("google", "ok")); got != 2 {
		t.Fatalf("ok count = %v, want 2", got)
	}
}

func TestMetricsCountOutcomes(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.LoginOutcome("google", "ok")
	m.LoginOutcome("google", "ok")
	m.LoginOutcome("google", "forged_state")
	m.ObserveUpstream("google", "token", 20*time.Millisecond)

	if got := counterValue(t, m.loginAttempts.WithLabelValues("google", "ok")); got != 2 {
		t.Fatalf("ok count = %v", got)
	}
	if got := testutil.CollectAndCount(m.loginAttempts); got != 2 {
		t.Fatalf("expected 2 label sets, got %d", got)
	}
	if got := testutil.CollectAndCount(m.upstreamDuration); got != 1 {
		t.Fatalf("expected 1 histogram series, got %d", got)
	}
}
