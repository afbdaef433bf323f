package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the login collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	loginAttempts     *prometheus.CounterVec
	tokenDegraded     *prometheus.CounterVec
	userInfoFallbacks *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
}

// NewMetrics registers collectors on reg, or on a fresh registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yauthd_login_attempts_total",
			Help: "Completed login callbacks by provider and outcome",
		}, []string{"idp", "outcome"}),
		tokenDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yauthd_token_exchange_degraded_total",
			Help: "Token responses that were not JSON and were used as a raw access token",
		}, []string{"idp"}),
		userInfoFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yauthd_userinfo_fallback_total",
			Help: "Profile lookups that needed the OpenID userinfo endpoint",
		}, []string{"idp"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yauthd_upstream_request_duration_seconds",
			Help:    "Latency of calls to the identity provider",
			Buckets: prometheus.DefBuckets,
		}, []string{"idp", "endpoint"}),
	}

	var err error
	if m.loginAttempts, err = registerOrAdopt(reg, m.loginAttempts); err != nil {
		return nil, err
	}
	if m.tokenDegraded, err = registerOrAdopt(reg, m.tokenDegraded); err != nil {
		return nil, err
	}
	if m.userInfoFallbacks, err = registerOrAdopt(reg, m.userInfoFallbacks); err != nil {
		return nil, err
	}
	if m.upstreamDuration, err = registerOrAdopt(reg, m.upstreamDuration); err != nil {
		return nil, err
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if _, err := registerOrAdopt(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// registerOrAdopt registers c, or returns the collector already registered
// under the same descriptor so every Metrics sharing reg records into it.
func registerOrAdopt[T prometheus.Collector](reg *prometheus.Registry, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return c, err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return c, fmt.Errorf("metrics: collector registered with a different type: %w", err)
	}
	return existing, nil
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LoginOutcome counts a finished callback.
func (m *Metrics) LoginOutcome(idp, outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(idp, outcome).Inc()
}

// TokenDegraded counts a token response used as a raw access token.
func (m *Metrics) TokenDegraded(idp string) {
	if m == nil {
		return
	}
	m.tokenDegraded.WithLabelValues(idp).Inc()
}

// UserInfoFallback counts a profile lookup that hit the OpenID endpoint.
func (m *Metrics) UserInfoFallback(idp string) {
	if m == nil {
		return
	}
	m.userInfoFallbacks.WithLabelValues(idp).Inc()
}

// ObserveUpstream records the latency of one identity provider call.
func (m *Metrics) ObserveUpstream(idp, endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(idp, endpoint).Observe(d.Seconds())
}
