package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "retryqueue"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total processed delivery attempts by outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Time spent on one delivery attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"entity_type"},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total enqueue calls by result",
		},
		[]string{"result"},
	)
)

func recordEnqueue(result string) {
	itemsEnqueued.WithLabelValues(result).Inc()
}

func recordProcessed(entityType, outcome string) {
	itemsProcessed.WithLabelValues(entityType, outcome).Inc()
}

func recordAttemptDuration(entityType string, d time.Duration) {
	attemptDuration.WithLabelValues(entityType).Observe(d.Seconds())
}

// RecordQueueStats updates queue size gauges from a stats snapshot.
func RecordQueueStats(stats *Stats) {
	for _, status := range []Status{StatusPending, StatusCompleted, StatusFailed} {
		queueSize.WithLabelValues(string(status)).Set(float64(stats.ByStatus[string(status)]))
	}
}
