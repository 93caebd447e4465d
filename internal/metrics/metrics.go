// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DerivativesTotal counts per-profile outcomes (succeeded, failed, skipped).
	DerivativesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renditions",
			Name:      "derivatives_total",
			Help:      "Derivative outcomes by profile",
		},
		[]string{"profile", "status"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renditions",
			Name:      "pipeline_duration_seconds",
			Help:      "Time to process one source asset",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renditions",
			Name:      "storage_operations_total",
			Help:      "Object storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renditions",
			Name:      "storage_duration_seconds",
			Help:      "Object storage operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renditions",
			Name:      "upload_bytes_total",
			Help:      "Encoded derivative bytes uploaded",
		},
		[]string{"profile"},
	)
)

// ObserveStorage records one storage call started at start.
func ObserveStorage(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
