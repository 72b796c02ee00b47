// Package metrics holds the Prometheus collectors for the coordination
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "interlock"

// Metrics groups the collectors registered for one store.
type Metrics struct {
	txDuration      *prometheus.HistogramVec
	txAborted       prometheus.Counter
	allocations     *prometheus.CounterVec
	claims          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tx_duration_seconds",
				Help:      "Bucketed histogram of transaction duration by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}, []string{"outcome"}),
		txAborted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tx_aborted_total",
				Help:      "Counter of transactions aborted by the store.",
			}),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sequence",
				Name:      "allocations_total",
				Help:      "Counter of sequence allocations by result.",
			}, []string{"name", "result"}),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claim",
				Name:      "claims_total",
				Help:      "Counter of slot claims by role and result.",
			}, []string{"role", "result"}),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "responses_total",
				Help:      "Counter of reconciled responses by action.",
			}, []string{"action"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.txDuration, m.txAborted, m.allocations, m.claims, m.reconciliations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveTx records a finished transaction. outcome is commit, rollback or aborted.
func (m *Metrics) ObserveTx(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.txDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == "aborted" {
		m.txAborted.Inc()
	}
}

func (m *Metrics) Allocation(name, result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(name, result).Inc()
}

func (m *Metrics) Claim(role, result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(role, result).Inc()
}

func (m *Metrics) Reconciliation(action string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(action).Inc()
}
