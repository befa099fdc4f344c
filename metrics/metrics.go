// Package metrics provides the in-process Prometheus collectors that
// instrument the transaction store, the upstream supervisor, and the proxy
// engine's connection pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds every collector registered by the proxy. It is created
// once at startup and threaded through to every component that needs to
// observe something.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsTotal     *prometheus.CounterVec
	TransactionDuration   prometheus.Histogram
	HistorySize           prometheus.Gauge
	SupervisorState       *prometheus.GaugeVec
	SupervisorRestarts    prometheus.Counter
	PoolInUse             prometheus.Gauge
}

// New creates a Metrics instance with its own registry and every collector
// registered against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "debugproxy_transactions_total",
			Help: "Total proxied transactions by terminal outcome.",
		}, []string{"outcome"}),

		TransactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "debugproxy_transaction_duration_seconds",
			Help:    "Completed transaction duration in seconds.",
			Buckets: durationBuckets,
		}),

		HistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugproxy_history_size",
			Help: "Current number of entries retained in the transaction store.",
		}),

		SupervisorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "debugproxy_supervisor_state",
			Help: "1 for the supervisor's current state, 0 for all others.",
		}, []string{"state"}),

		SupervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "debugproxy_supervisor_restarts_total",
			Help: "Total number of times the managed upstream process was restarted.",
		}),

		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugproxy_pool_in_use",
			Help: "Upstream connections currently checked out of the pool.",
		}),
	}

	reg.MustRegister(
		m.TransactionsTotal,
		m.TransactionDuration,
		m.HistorySize,
		m.SupervisorState,
		m.SupervisorRestarts,
		m.PoolInUse,
	)

	return m
}

// knownStates bounds the state label's cardinality so SetState can zero out
// every other state on each transition.
var knownStates = []string{"absent", "starting", "ready", "restarting", "failed"}

// SetState marks state as current (1) and every other known state as not
// current (0).
func (m *Metrics) SetState(state string) {
	for _, s := range knownStates {
		if s == state {
			m.SupervisorState.WithLabelValues(s).Set(1)
		} else {
			m.SupervisorState.WithLabelValues(s).Set(0)
		}
	}
}
