// Package metrics provides Prometheus metrics for the filecellar daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// File structure metrics
	filesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_files_added_total",
			Help: "Total number of files added to the file structure",
		},
	)

	thumbnailsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_thumbnails_written_total",
			Help: "Total number of thumbnails written",
		},
	)

	physicalDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecellar_physical_deletes_total",
			Help: "Total number of physical file deletes by kind",
		},
		[]string{"kind"}, // file, thumbnail
	)

	orphansCleared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecellar_orphans_cleared_total",
			Help: "Total number of orphans cleared by kind",
		},
		[]string{"kind"},
	)

	extMismatchRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_extension_repairs_total",
			Help: "Total number of in-place file extension repairs",
		},
	)

	// Rebalance metrics
	rebalanceMoves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_rebalance_moves_total",
			Help: "Total number of shard relocations performed",
		},
	)

	recoveredPrefixes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_recovered_prefixes_total",
			Help: "Total number of stray prefix directories merged back",
		},
	)

	// Maintenance metrics
	maintenanceJobsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecellar_maintenance_jobs_run_total",
			Help: "Total number of per-file maintenance job executions by kind",
		},
		[]string{"kind"},
	)

	maintenanceJobsCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_maintenance_jobs_cleared_total",
			Help: "Total number of per-file maintenance jobs cleared",
		},
	)

	maintenanceBadFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_maintenance_bad_files_total",
			Help: "Total number of missing or invalid files found by integrity checks",
		},
	)

	maintenanceWorkUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filecellar_maintenance_work_units_total",
			Help: "Total throttle units consumed by maintenance work",
		},
	)

	schedulerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filecellar_maintenance_running",
			Help: "1 while a maintenance batch is executing",
		},
	)

	// Storage metrics
	locationFreeSpace = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filecellar_location_free_space_bytes",
			Help: "Last observed free space per storage location",
		},
		[]string{"location"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filecellar_db_query_duration_seconds",
			Help:    "Database query duration by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filecellar_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	sseConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filecellar_sse_connections_active",
			Help: "Number of active SSE event subscribers",
		},
	)
)

// RecordFileAdded increments the files-added counter.
func RecordFileAdded() { filesAdded.Inc() }

// RecordThumbnailWritten increments the thumbnails-written counter.
func RecordThumbnailWritten() { thumbnailsWritten.Inc() }

// RecordPhysicalDelete increments the physical-delete counter for a kind.
func RecordPhysicalDelete(kind string) { physicalDeletes.WithLabelValues(kind).Inc() }

// RecordOrphanCleared increments the orphans-cleared counter for a kind.
func RecordOrphanCleared(kind string) { orphansCleared.WithLabelValues(kind).Inc() }

// RecordExtensionRepair increments the extension-repair counter.
func RecordExtensionRepair() { extMismatchRepairs.Inc() }

// RecordRebalanceMove increments the rebalance-move counter.
func RecordRebalanceMove() { rebalanceMoves.Inc() }

// RecordRecoveredPrefix increments the recovered-prefix counter.
func RecordRecoveredPrefix() { recoveredPrefixes.Inc() }

// RecordMaintenanceJobRun increments the per-kind job-run counter.
func RecordMaintenanceJobRun(kind string) { maintenanceJobsRun.WithLabelValues(kind).Inc() }

// RecordMaintenanceJobsCleared adds to the jobs-cleared counter.
func RecordMaintenanceJobsCleared(n int) { maintenanceJobsCleared.Add(float64(n)) }

// RecordMaintenanceBadFile increments the bad-file counter.
func RecordMaintenanceBadFile() { maintenanceBadFiles.Inc() }

// RecordMaintenanceWorkUnits adds consumed throttle units.
func RecordMaintenanceWorkUnits(n int) { maintenanceWorkUnits.Add(float64(n)) }

// SetMaintenanceRunning flips the maintenance-running gauge.
func SetMaintenanceRunning(running bool) {
	if running {
		schedulerRunning.Set(1)
	} else {
		schedulerRunning.Set(0)
	}
}

// SetLocationFreeSpace records the last observed free space for a location.
func SetLocationFreeSpace(location string, bytes int64) {
	locationFreeSpace.WithLabelValues(location).Set(float64(bytes))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(operation string, d time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetDBConnectionsOpen sets the open database connection gauge.
func SetDBConnectionsOpen(n int) { dbConnectionsOpen.Set(float64(n)) }

// SetSSEConnectionsActive sets the active SSE subscriber gauge.
func SetSSEConnectionsActive(n int64) { sseConnections.Set(float64(n)) }

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
