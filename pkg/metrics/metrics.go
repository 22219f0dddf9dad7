// Package metrics registers the verifier's Prometheus collectors.
//
// The metric names are part of the external contract; renaming them
// breaks downstream dashboards and alerts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fail-closed trigger labels.
const (
	TriggerRedis = "redis"
	TriggerOPA   = "opa"
	TriggerRules = "rules"
	TriggerAudit = "audit"
)

// Metrics bundles all verifier collectors registered on one registry.
type Metrics struct {
	VerifyTotal      prometheus.Counter
	DecisionTotal    *prometheus.CounterVec
	InFlight         prometheus.Gauge
	Duration         prometheus.Histogram
	ReplayHit        prometheus.Counter
	ReplayMismatch   prometheus.Counter
	ReplayConcurrent prometheus.Counter
	FailClosed       *prometheus.CounterVec
	RateLimitDeny    prometheus.Counter
	OPAError         *prometheus.CounterVec
}

// New registers the verifier collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		VerifyTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "casf_verify_total",
			Help: "Total /verify requests received.",
		}),
		DecisionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casf_verify_decision_total",
			Help: "Verify decisions by outcome.",
		}, []string{"decision"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "casf_verify_in_flight",
			Help: "Verify requests currently being processed.",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "casf_verify_duration_seconds",
			Help:    "End-to-end /verify latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		ReplayHit: factory.NewCounter(prometheus.CounterOpts{
			Name: "casf_replay_hit_total",
			Help: "Anti-replay cache hits (idempotent returns).",
		}),
		ReplayMismatch: factory.NewCounter(prometheus.CounterOpts{
			Name: "casf_replay_mismatch_total",
			Help: "Anti-replay fingerprint mismatches.",
		}),
		ReplayConcurrent: factory.NewCounter(prometheus.CounterOpts{
			Name: "casf_replay_concurrent_total",
			Help: "Anti-replay concurrent / pending denials.",
		}),
		FailClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casf_fail_closed_total",
			Help: "Fail-closed denials by trigger.",
		}, []string{"trigger"}),
		RateLimitDeny: factory.NewCounter(prometheus.CounterOpts{
			Name: "casf_rate_limit_deny_total",
			Help: "SMS rate-limit denials.",
		}),
		OPAError: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casf_opa_error_total",
			Help: "Policy engine evaluation errors by kind.",
		}, []string{"kind"}),
	}
}

// NewUnregistered returns collectors bound to a throwaway registry,
// convenient for tests that only exercise increments.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
