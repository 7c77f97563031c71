// Package metrics exposes the identity manager's Prometheus instrumentation:
// queue depth, refresh cadence, and the size of the tracked identity set.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the identity manager's Prometheus collectors. The zero
// value is not usable; construct with New.
type Metrics struct {
	QueueDepth      prometheus.Gauge
	RefreshesTotal  prometheus.Counter
	IdentitiesTotal prometheus.Gauge
	ExpiredTotal    prometheus.Gauge
	OperationErrors *prometheus.CounterVec
}

// New creates a Metrics and registers its collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "identityd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of operations currently queued for the worker.",
		}),
		RefreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identityd",
			Subsystem: "manager",
			Name:      "refreshes_total",
			Help:      "Total number of non-coalesced refresh cycles completed.",
		}),
		IdentitiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "identityd",
			Subsystem: "manager",
			Name:      "identities",
			Help:      "Number of identities currently tracked.",
		}),
		ExpiredTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "identityd",
			Subsystem: "manager",
			Name:      "identities_expired",
			Help:      "Number of currently tracked identities that are expired.",
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identityd",
			Subsystem: "manager",
			Name:      "operation_errors_total",
			Help:      "Total number of operations that completed with an error, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.QueueDepth, m.RefreshesTotal, m.IdentitiesTotal, m.ExpiredTotal, m.OperationErrors)
	return m
}
