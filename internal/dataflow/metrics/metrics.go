// Package metrics defines the prometheus metrics exported by dataflow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "dataflow_"

var batchesFinished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "batches_finished_total",
		Help: "Number of batches that reached a terminal status",
	},
	[]string{"status"},
)

var batchDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "batch_duration_seconds",
		Help:    "Wall time from the start of processing to the terminal status of a batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	},
)

var batchesProcessing = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "batches_processing",
		Help: "Number of batches this worker is currently processing",
	},
)

var chunksDelivered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "chunks_delivered_total",
		Help: "Number of chunks by final delivery outcome",
	},
	[]string{"outcome"},
)

var deliveryAttempts = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "chunk_delivery_attempts_total",
		Help: "Number of HTTP requests made to the downstream import endpoint",
	},
)

var chunkLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "chunk_delivery_seconds",
		Help:    "Time to deliver one chunk including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

var webhookDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "webhook_deliveries_total",
		Help: "Number of webhook notifications by final outcome",
	},
	[]string{"event", "outcome"},
)

var admissionRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "admission_rejections_total",
		Help: "Number of submissions rejected before a batch was created",
	},
	[]string{"reason"},
)

var lockAcquisitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "lock_acquisitions_total",
		Help: "Number of cluster lock acquisition attempts by outcome",
	},
	[]string{"outcome"},
)

var lockForceReleases = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "lock_force_releases_total",
		Help: "Number of expired cluster locks released by the watchdog",
	},
)

var retentionDeleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "retention_batches_deleted_total",
		Help: "Number of batches removed by the retention sweeper",
	},
)

func RecordBatchFinished(status string, duration time.Duration) {
	batchesFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		batchDuration.Observe(duration.Seconds())
	}
}

func BatchStarted()    { batchesProcessing.Inc() }
func BatchStopped()    { batchesProcessing.Dec() }
func DeliveryAttempt() { deliveryAttempts.Inc() }

func RecordChunk(success bool, duration time.Duration) {
	outcome := "imported"
	if !success {
		outcome = "failed"
	}
	chunksDelivered.WithLabelValues(outcome).Inc()
	chunkLatency.Observe(duration.Seconds())
}

func RecordWebhook(event string, success bool) {
	outcome := "delivered"
	if !success {
		outcome = "failed"
	}
	webhookDeliveries.WithLabelValues(event, outcome).Inc()
}

func RecordAdmissionRejection(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

func RecordLockAcquisition(outcome string) {
	lockAcquisitions.WithLabelValues(outcome).Inc()
}

func RecordForceRelease() {
	lockForceReleases.Inc()
}

func RecordRetentionDeleted(n int) {
	retentionDeleted.Add(float64(n))
}
