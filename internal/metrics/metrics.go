package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsLaunchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_jobs_launched_total",
			Help: "Total number of training jobs launched on the compute platform",
		},
		[]string{"queue"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_jobs_finished_total",
			Help: "Total number of training jobs that reached a terminal status",
		},
		[]string{"queue", "status", "reason"}, // reason: ok, launch, execution, timeout, verification, config
	)

	StatusPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_status_polls_total",
			Help: "Total number of execution status checks by observed status",
		},
		[]string{"queue", "status"},
	)

	StorageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_storage_retries_total",
			Help: "Total number of retried object store operations",
		},
		[]string{"op"},
	)

	RecordsPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_records_pruned_total",
			Help: "Total number of terminal job records removed by cleanup",
		},
		[]string{"queue"},
	)

	NegotiationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trq_negotiation_attempts_total",
			Help: "Total number of workload attempts made by the core negotiator",
		},
		[]string{"state", "outcome"}, // state: trying_full, trying_reduced
	)

	// Gauges
	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trq_queue_jobs",
			Help: "Current number of job records in the queue document by status",
		},
		[]string{"queue", "status"},
	)

	// Histogram for the wall-clock time from launch to terminal status.
	// Buckets: 1m, 2m, 4m ... ~8.5h
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trq_job_duration_seconds",
			Help:    "Training job duration from launch to terminal status in seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		},
		[]string{"queue", "status"},
	)
)

// Collectors lists everything above, for pushing from short-lived processes.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		JobsLaunchedTotal,
		JobsFinishedTotal,
		StatusPollsTotal,
		StorageRetriesTotal,
		RecordsPrunedTotal,
		NegotiationAttemptsTotal,
		QueueJobs,
		JobDurationSeconds,
	}
}
