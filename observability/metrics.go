package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StampMetrics records ledger activity for the /metrics endpoint.
type StampMetrics struct {
	earns       *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

var (
	stampMetricsOnce sync.Once
	stampRegistry    *StampMetrics
)

// Stamps returns the lazily-initialised metrics registry for stamp
// operations.
func Stamps() *StampMetrics {
	stampMetricsOnce.Do(func() {
		stampRegistry = &StampMetrics{
			earns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stampd",
				Subsystem: "ledger",
				Name:      "earns_total",
				Help:      "Stamp accrual attempts segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stampd",
				Subsystem: "ledger",
				Name:      "redemptions_total",
				Help:      "Reward redemption attempts segmented by outcome.",
			}, []string{"outcome"}),
			tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stampd",
				Subsystem: "token",
				Name:      "operations_total",
				Help:      "Token authority operations segmented by op and outcome.",
			}, []string{"op", "outcome"}),
		}
		prometheus.MustRegister(
			stampRegistry.earns,
			stampRegistry.redemptions,
			stampRegistry.tokens,
		)
	})
	return stampRegistry
}

// RecordEarn counts one accrual attempt.
func (m *StampMetrics) RecordEarn(source, outcome string) {
	if m == nil {
		return
	}
	m.earns.WithLabelValues(source, outcome).Inc()
}

// RecordRedemption counts one redemption attempt.
func (m *StampMetrics) RecordRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// RecordToken counts one token authority operation.
func (m *StampMetrics) RecordToken(op, outcome string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(op, outcome).Inc()
}
