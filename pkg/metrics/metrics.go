// Package metrics exposes Prometheus instrumentation for the allocator,
// commit protocol and transport layers, following the same
// declare-register-Handler shape as the teacher's metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Allocator metrics
	HeapBytesUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_heap_bytes_used",
			Help: "Bytes currently allocated on a worker's heap",
		},
		[]string{"wid"},
	)

	HeapBytesAvail = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_heap_bytes_avail",
			Help: "Bytes available on a worker's heap",
		},
		[]string{"wid"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_allocations_total",
			Help: "Total number of FarmMalloc calls by worker and result",
		},
		[]string{"wid", "result"},
	)

	// Commit protocol metrics
	TxnCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_txn_commits_total",
			Help: "Total number of transaction commit attempts by outcome",
		},
		[]string{"outcome"}, // committed, aborted
	)

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_txn_commit_duration_seconds",
			Help:    "Time taken to run the full commit protocol for one transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxnPrepareRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_txn_prepare_rejections_total",
			Help: "Total number of PREPARE requests rejected due to a held lock",
		},
		[]string{"wid"},
	)

	TxnValidateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_txn_validate_failures_total",
			Help: "Total number of VALIDATE requests rejected due to a version mismatch",
		},
		[]string{"wid"},
	)

	// Deferred read metrics
	DeferredReadsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_deferred_reads_pending",
			Help: "Number of reads currently queued behind an in-flight write",
		},
		[]string{"wid"},
	)

	// Memory stats broadcast metrics
	MemStatsBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_mem_stats_broadcasts_total",
			Help: "Total number of BROADCAST_MEM_STATS messages sent by the master",
		},
	)

	// Transport metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_rpc_requests_total",
			Help: "Total number of wire requests processed by op and status",
		},
		[]string{"op", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_rpc_request_duration_seconds",
			Help:    "Wire request duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// KV side-channel metrics
	KVOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_kv_ops_total",
			Help: "Total number of Put/Get operations against the small K/V side channel",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(HeapBytesUsed)
	prometheus.MustRegister(HeapBytesAvail)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(TxnCommitsTotal)
	prometheus.MustRegister(TxnCommitDuration)
	prometheus.MustRegister(TxnPrepareRejections)
	prometheus.MustRegister(TxnValidateFailures)
	prometheus.MustRegister(DeferredReadsPending)
	prometheus.MustRegister(MemStatsBroadcastsTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(KVOpsTotal)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
