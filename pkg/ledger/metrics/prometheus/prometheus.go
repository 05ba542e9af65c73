package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	rolloversTotal      *prometheus.CounterVec
	consumptionTotal    *prometheus.CounterVec
	claimsTotal         *prometheus.CounterVec
	persistRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		rolloversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_rollovers_total",
			Help:      "Total number of just-in-time rollovers applied.",
		}, []string{"kind"}),

		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_consumption_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"status"}),

		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_claims_total",
			Help:      "Total number of pending purchase claim attempts.",
		}, []string{"status"}),

		persistRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_persist_retries_total",
			Help:      "Total number of failed persistence attempts that were retried.",
		}, []string{"op"}),
	}
}

func (m *Metrics) RecordRenewalRollover() {
	m.rolloversTotal.WithLabelValues("credit_renewal").Inc()
}

func (m *Metrics) RecordCycleDowngrade() {
	m.rolloversTotal.WithLabelValues("cycle_downgrade").Inc()
}

func (m *Metrics) RecordConsume(status string) {
	m.consumptionTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordClaim(status string) {
	m.claimsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPersistRetry(op string) {
	m.persistRetriesTotal.WithLabelValues(op).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
