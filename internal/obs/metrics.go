// Package obs provides Prometheus instrumentation for the event pipeline.
// All collectors are registered once with the default registry at package
// init, so multiple clients in one process share them; per-stream series are
// split by label.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsEnqueued counts records accepted into the durable spool.
	RecordsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "records_enqueued_total",
		Help:      "Records appended to the durable spool.",
	}, []string{"stream"})

	// RecordsDropped counts records dropped before reaching the spool
	// (full dispatch channel or failed validation).
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "records_dropped_total",
		Help:      "Records dropped before reaching the spool.",
	}, []string{"stream", "reason"})

	// EntriesEvicted counts entries removed by ceiling eviction. This is the
	// pipeline's bounded data-loss path; sustained growth means the endpoint
	// cannot keep up with production.
	EntriesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "entries_evicted_total",
		Help:      "Spool entries dropped by ceiling eviction.",
	}, []string{"stream"})

	// BatchesSent counts delivery attempts by classified result.
	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "batches_sent_total",
		Help:      "Delivery attempts by result (accepted, rejected, transient).",
	}, []string{"stream", "result"})

	// RecordsDelivered counts records confirmed by the ingestion endpoint.
	RecordsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "records_delivered_total",
		Help:      "Records confirmed accepted by the ingestion endpoint.",
	}, []string{"stream"})

	// RecordsRejected counts records discarded after a permanent rejection.
	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "records_rejected_total",
		Help:      "Records discarded after a permanent rejection.",
	}, []string{"stream"})

	// RetryBackoffs counts transient failures that scheduled a backoff wait.
	RetryBackoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "retry_backoffs_total",
		Help:      "Transient delivery failures that scheduled a backoff.",
	}, []string{"stream"})

	// CorruptEntries counts stored values skipped on read because they
	// failed framing or checksum validation.
	CorruptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "corrupt_entries_total",
		Help:      "Spool entries skipped after failing checksum or framing.",
	}, []string{"stream"})

	// SpoolResets counts streams reset to empty after unreadable state.
	SpoolResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "spool_resets_total",
		Help:      "Streams reset to empty after unreadable persisted state.",
	}, []string{"stream"})

	storageCommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mixpanel",
		Name:      "storage_commit_seconds",
		Help:      "Latency of storage batch commits.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	storageReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mixpanel",
		Name:      "storage_read_seconds",
		Help:      "Latency of storage point reads.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	storageCommitBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mixpanel",
		Name:      "storage_commit_bytes_total",
		Help:      "Bytes committed to storage.",
	})
)

// StorageMetrics implements the pebblestore MetricsHook, feeding storage
// latencies and sizes into Prometheus.
type StorageMetrics struct{}

// ObserveWrite records a single-key write.
func (StorageMetrics) ObserveWrite(elapsed time.Duration, bytes int) {
	storageCommitSeconds.Observe(elapsed.Seconds())
}

// ObserveRead records a point read.
func (StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	storageReadSeconds.Observe(elapsed.Seconds())
}

// ObserveBatchCommit records a batch commit.
func (StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	storageCommitSeconds.Observe(elapsed.Seconds())
	storageCommitBytes.Add(float64(bytes))
}
