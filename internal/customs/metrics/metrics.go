// Package metrics defines the Prometheus instrumentation for the decision
// engine. All helpers are nil-safe so wiring metrics stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine emits.
type Metrics struct {
	ChecksTotal           *prometheus.CounterVec
	BlocksTotal           *prometheus.CounterVec
	SuspectsTotal         prometheus.Counter
	CacheErrorsTotal      *prometheus.CounterVec
	ReputationErrorsTotal prometheus.Counter
	CheckDuration         *prometheus.HistogramVec
}

// New registers all collectors with reg, or the default registerer when reg
// is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_checks_total",
			Help: "Decisions made, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		BlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_blocks_total",
			Help: "Blocking decisions, by reason.",
		}, []string{"reason"}),
		SuspectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "customs_suspects_total",
			Help: "Decisions flagged suspect.",
		}),
		CacheErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_cache_errors_total",
			Help: "Record cache failures, by operation.",
		}, []string{"op"}),
		ReputationErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "customs_reputation_errors_total",
			Help: "Reputation service lookups that failed.",
		}),
		CheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "customs_check_duration_seconds",
			Help:    "Time spent computing a decision.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) ObserveCheck(endpoint string, blocked bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "allowed"
	if blocked {
		result = "blocked"
	}
	m.ChecksTotal.WithLabelValues(endpoint, result).Inc()
	m.CheckDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) IncBlock(reason string) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSuspect() {
	if m == nil {
		return
	}
	m.SuspectsTotal.Inc()
}

func (m *Metrics) IncCacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncReputationError() {
	if m == nil {
		return
	}
	m.ReputationErrorsTotal.Inc()
}
