// Package metrics holds the Prometheus collectors of the log-backup coordinator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logbackup"

// Reasons a fresh initial scan was started.
const (
	ReasonLeaderChanged = "leader-changed"
	ReasonRegionChanged = "region-changed"
	ReasonRetry         = "retry"
	ReasonHighMemory    = "high-memory"
)

// Reasons a retry was skipped.
const (
	SkipRegionAbsent = "region-absent"
	SkipNotLeader    = "not-leader"
	SkipStaleCommand = "stale-command"
)

// Initial scan stages.
const (
	StageQueuing   = "queuing"
	StageExecuting = "executing"
)

var InitialScanReason = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "initial_scan_reason_total",
	Help:      "Initial scans started, by reason.",
}, []string{"reason"})

var SkipRetry = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "skip_retry_total",
	Help:      "Observation retries skipped, by reason.",
}, []string{"reason"})

var PendingInitialScan = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "pending_initial_scan",
	Help:      "Initial scans waiting or running.",
}, []string{"stage"})

var InitialScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "initial_scan_duration_seconds",
	Help:      "Duration of successful initial scans.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
})

var StoreCheckpointTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "store_checkpoint_ts",
	Help:      "Physical time (ms) of the global checkpoint served for a task.",
}, []string{"task"})

var ResolvedCheckpointTS = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "resolved_checkpoint_ts",
	Help:      "Physical time (ms) of the last resolved global checkpoint.",
})

var FatalErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fatal_errors_total",
	Help:      "Errors that failed a task.",
})

var InternalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "internal_errors_total",
	Help:      "Unexpected internal errors, by site.",
}, []string{"when"})

var ServerInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "server_info",
	Help:      "Build and backend information.",
}, []string{"version", "metadata_backend"})

var StorageOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "storage_op_duration_seconds",
	Help:      "Latency of local metadata store operations.",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
}, []string{"op"})

var StorageBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "storage_bytes_total",
	Help:      "Bytes moved by local metadata store operations.",
}, []string{"op"})

// StorageObserver feeds local store observations into the storage collectors.
type StorageObserver struct{}

func (StorageObserver) ObserveWrite(elapsed time.Duration, bytes int) {
	observeStorage("write", elapsed, bytes)
}

func (StorageObserver) ObserveRead(elapsed time.Duration, bytes int) {
	observeStorage("read", elapsed, bytes)
}

func (StorageObserver) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	observeStorage("commit", elapsed, bytes)
}

func observeStorage(op string, elapsed time.Duration, bytes int) {
	StorageOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	StorageBytes.WithLabelValues(op).Add(float64(bytes))
}

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once
)

// Init registers all collectors and records the server info.
func Init(version, metadataBackend string) {
	initOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			InitialScanReason,
			SkipRetry,
			PendingInitialScan,
			InitialScanDuration,
			StoreCheckpointTS,
			ResolvedCheckpointTS,
			FatalErrors,
			InternalErrors,
			ServerInfo,
			StorageOpDuration,
			StorageBytes,
		)
	})
	ServerInfo.WithLabelValues(version, metadataBackend).Set(1)
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
