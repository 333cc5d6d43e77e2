// Package metrics exposes the store's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WriteCounter counts submitted writes by outcome.
	WriteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridkv",
			Subsystem: "store",
			Name:      "write_total",
			Help:      "Counter of submitted writes.",
		}, []string{"result"})

	// FanoutCounter counts update requests sent to backup and reader nodes.
	FanoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridkv",
			Subsystem: "replicate",
			Name:      "fanout_requests_total",
			Help:      "Counter of update requests fanned out to other nodes.",
		})

	// FailedKeyCounter counts keys reported failed to callers.
	FailedKeyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridkv",
			Subsystem: "replicate",
			Name:      "failed_keys_total",
			Help:      "Counter of keys reported failed to callers.",
		})

	// PendingFutureGauge tracks update futures awaiting acknowledgments.
	PendingFutureGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridkv",
			Subsystem: "replicate",
			Name:      "pending_futures",
			Help:      "Gauge of update futures awaiting acknowledgments.",
		})

	// ConflictCounter counts backup writes rejected by version ordering.
	ConflictCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridkv",
			Subsystem: "store",
			Name:      "write_conflict_total",
			Help:      "Counter of backup writes rejected by an existing newer version.",
		})
)

func init() {
	prometheus.MustRegister(WriteCounter)
	prometheus.MustRegister(FanoutCounter)
	prometheus.MustRegister(FailedKeyCounter)
	prometheus.MustRegister(PendingFutureGauge)
	prometheus.MustRegister(ConflictCounter)
}
