// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cinderdb"

// Registry holds every collector below. It is separate from the default
// registry so tests can gather it without picking up global state.
var Registry = prometheus.NewRegistry()

// storage
var (
	StorageWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Total number of storage engine writes by operation.",
		}, []string{"op"})

	Compactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "compactions_total",
			Help:      "Total number of log compactions.",
		})

	CompactionReclaimedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "compaction_reclaimed_bytes_total",
			Help:      "Bytes of garbage removed by compaction.",
		})
)

// transactions
var (
	TxnBegun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "begun_total",
			Help:      "Total number of transactions begun by mode.",
		}, []string{"mode"})

	TxnFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Total number of transactions finished by outcome.",
		}, []string{"outcome"})

	TxnConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "write_conflicts_total",
			Help:      "Total number of writes rejected with a write conflict.",
		})
)

// sql
var (
	Statements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sql",
			Name:      "statements_total",
			Help:      "Total number of executed statements by kind and result.",
		}, []string{"kind", "result"})

	StatementSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sql",
			Name:      "statement_seconds",
			Help:      "Histogram of statement execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		StorageWrites,
		Compactions,
		CompactionReclaimedBytes,
		TxnBegun,
		TxnFinished,
		TxnConflicts,
		Statements,
		StatementSeconds,
	)
}

// Handler exposes the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
