package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "menmosd"

var (
	Registry = prometheus.NewRegistry()

	BlobsIndexed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blobs_indexed",
		Help:      "Number of rows currently allocated in the bitmap index.",
	})

	QueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Number of query requests evaluated.",
	})

	QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Latency of query evaluation, index to hydration.",
		Buckets:   prometheus.DefBuckets,
	})

	RebalanceMoves = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalance_moves_total",
		Help:      "Number of rebalance move orders issued.",
	})

	OrphansReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_reaped_total",
		Help:      "Number of pending blobs garbage-collected by the orphan sweeper.",
	})

	PendingDeleteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_delete_retries_total",
		Help:      "Number of payload deletion orders retried against storage nodes.",
	})
)

func init() {
	Registry.MustRegister(
		BlobsIndexed,
		QueriesTotal,
		QueryDuration,
		RebalanceMoves,
		OrphansReaped,
		PendingDeleteRetries,
	)
}
