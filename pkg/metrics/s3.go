package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittovfs/pkg/provider/s3"
)

// s3Metrics is the Prometheus implementation of s3.Metrics.
//
// This implementation collects metrics about S3 requests including:
//   - Request counts by API operation and status
//   - Request latency
//   - Bytes transferred
//   - Error counts
//
// All S3 providers of the process share one instance.
type s3Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

var (
	s3MetricsOnce     sync.Once
	s3MetricsInstance *s3Metrics
)

// NewS3Metrics returns the Prometheus-backed s3.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// leaves the S3 client uninstrumented.
func NewS3Metrics() s3.Metrics {
	if !IsEnabled() {
		return nil
	}

	s3MetricsOnce.Do(func() {
		s3MetricsInstance = newS3Metrics(GetRegistry())
	})

	return s3MetricsInstance
}

func newS3Metrics(reg prometheus.Registerer) *s3Metrics {
	return &s3Metrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittovfs_s3_operations_total",
				Help: "Total number of S3 requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittovfs_s3_operation_duration_seconds",
				Help: "Duration of S3 requests in seconds",
				Buckets: []float64{
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittovfs_s3_bytes_transferred_total",
				Help: "Total bytes transferred by S3 requests",
			},
			[]string{"operation"},
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittovfs_s3_errors_total",
				Help: "Total number of failed S3 requests by operation",
			},
			[]string{"operation"},
		),
	}
}

// ObserveOperation implements s3.Metrics.ObserveOperation
func (m *s3Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(operation).Inc()
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytes implements s3.Metrics.RecordBytes
func (m *s3Metrics) RecordBytes(operation string, bytes int64) {
	if bytes <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}
