// Package metrics provides Prometheus metrics for the file repository.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend metrics
	looseWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_loose_writes_total",
			Help: "Total loose object writes",
		},
		[]string{"backend", "status"},
	)

	looseBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_loose_bytes_written_total",
			Help: "Total bytes written as loose objects",
		},
		[]string{"backend"},
	)

	objectReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_object_reads_total",
			Help: "Total object reads by where the object was found",
		},
		[]string{"backend", "source"},
	)

	packRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_pack_runs_total",
			Help: "Total pack_all_loose runs",
		},
		[]string{"backend", "status"},
	)

	packDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filerepo_pack_duration_seconds",
			Help:    "Duration of pack_all_loose runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	objectsPackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_objects_packed_total",
			Help: "Total loose objects moved into packs",
		},
		[]string{"backend"},
	)

	// Migration metrics
	migrationNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_migration_nodes_total",
			Help: "Nodes processed by the repository migration",
		},
		[]string{"result"},
	)

	migrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filerepo_migration_duration_seconds",
			Help:    "Duration of repository migration runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filerepo_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerepo_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordLooseWrite records a loose object write.
func RecordLooseWrite(backend string, bytes int, success bool) {
	looseWritesTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	if success {
		looseBytesWritten.WithLabelValues(backend).Add(float64(bytes))
	}
}

// RecordRead records an object read. source is "loose" or "packed".
func RecordRead(backend, source string) {
	objectReadsTotal.WithLabelValues(backend, source).Inc()
}

// RecordPack records a pack run and the number of objects it packed.
func RecordPack(backend string, objects int, duration time.Duration, success bool) {
	packRunsTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	packDuration.WithLabelValues(backend).Observe(duration.Seconds())
	objectsPackedTotal.WithLabelValues(backend).Add(float64(objects))
}

// RecordMigrationNode records one node handled by the migration. result is
// "migrated", "skipped" or "failed".
func RecordMigrationNode(result string) {
	migrationNodesTotal.WithLabelValues(result).Inc()
}

// RecordMigration records the duration of a migration run.
func RecordMigration(duration time.Duration) {
	migrationDuration.Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}
