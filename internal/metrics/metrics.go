package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_published_total",
			Help: "Total number of task envelopes published to the queue.",
		},
		[]string{"platform"},
	)

	TasksConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_consumed_total",
			Help: "Total number of task envelopes consumed from the queue.",
		},
	)

	TasksAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_acked_total",
			Help: "Total number of task envelopes acknowledged after processing.",
		},
	)

	TasksRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_requeued_total",
			Help: "Total number of task envelopes requeued for retry by reason.",
		},
		[]string{"reason"}, // e.g. rate_limited, timeout, upstream_error, store_conflict
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_dead_lettered_total",
			Help: "Total number of task envelopes routed to the dead-letter queue.",
		},
		[]string{"reason"},
	)

	TasksDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatpipe_tasks_deduped_total",
			Help: "Total number of redelivered envelopes skipped by the idempotency guard.",
		},
	)

	ResultsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatpipe_results_published_total",
			Help: "Total number of results delivered back to the platform by status.",
		},
		[]string{"status"}, // delivered, failed, skipped
	)

	ModelCallLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatpipe_model_call_latency_seconds",
			Help:    "Latency of language-model completion calls.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	StoreWriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatpipe_store_write_latency_seconds",
			Help:    "Latency of conversation store writes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatpipe_store_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts on conversation writes.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksPublishedTotal,
		TasksConsumedTotal,
		TasksAckedTotal,
		TasksRequeuedTotal,
		TasksDeadLetteredTotal,
		TasksDedupedTotal,
		ResultsPublishedTotal,
		ModelCallLatency,
		StoreWriteLatency,
		StoreConflictsTotal,
	)
}

// RecordPublished increments the published counter for a platform.
func RecordPublished(platform string) {
	if platform == "" {
		platform = "unknown"
	}
	TasksPublishedTotal.WithLabelValues(platform).Inc()
}

// RecordConsumed increments the consumed counter.
func RecordConsumed() {
	TasksConsumedTotal.Inc()
}

// RecordAcked increments the acked counter.
func RecordAcked() {
	TasksAckedTotal.Inc()
}

// RecordRequeued increments the requeue counter for a failure reason.
func RecordRequeued(reason string) {
	TasksRequeuedTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLettered increments the dead-letter counter for a failure reason.
func RecordDeadLettered(reason string) {
	TasksDeadLetteredTotal.WithLabelValues(reason).Inc()
}

// RecordDeduped increments the idempotency-skip counter.
func RecordDeduped() {
	TasksDedupedTotal.Inc()
}

// RecordResult increments the result delivery counter by status.
func RecordResult(status string) {
	ResultsPublishedTotal.WithLabelValues(status).Inc()
}

// ObserveModelCall records the latency of one model completion call.
func ObserveModelCall(d time.Duration) {
	ModelCallLatency.Observe(d.Seconds())
}

// ObserveStoreWrite records the latency of one conversation store write.
func ObserveStoreWrite(d time.Duration) {
	StoreWriteLatency.Observe(d.Seconds())
}

// RecordStoreConflict increments the optimistic-concurrency conflict counter.
func RecordStoreConflict() {
	StoreConflictsTotal.Inc()
}
