// Package metrics defines and registers all Prometheus metrics used by the
// s3gc service. Metrics are organised by functional area and share the
// common "s3gc_" prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector used by s3gc.
type Metrics struct {
	// ---------------------------------------------------------------
	// GC Cycle
	// ---------------------------------------------------------------

	// GCCyclesTotal counts completed GC cycles by terminal status.
	GCCyclesTotal *prometheus.CounterVec

	// GCCycleDuration observes the wall-clock duration of a GC cycle.
	GCCycleDuration prometheus.Histogram

	// GCCandidatesFoundTotal counts objects past retention with zero
	// registry references, across all cycles.
	GCCandidatesFoundTotal prometheus.Counter

	// GCVerifiedOrphansTotal counts candidates that survived DB
	// re-verification with no remaining reference.
	GCVerifiedOrphansTotal prometheus.Counter

	// GCObjectsDeletedTotal counts objects actually removed from the
	// bucket, across all cycles.
	GCObjectsDeletedTotal prometheus.Counter

	// GCBytesDeletedTotal sums the original (pre-compression) size of
	// every deleted object.
	GCBytesDeletedTotal prometheus.Counter

	// GCErrorsTotal counts per-object failures encountered during a
	// cycle's verify/act phase.
	GCErrorsTotal prometheus.Counter

	// RegistryStaleDetectionsTotal counts candidates that DB
	// re-verification found still referenced, despite a zero registry
	// count.
	RegistryStaleDetectionsTotal prometheus.Counter

	// ---------------------------------------------------------------
	// Reference Registry
	// ---------------------------------------------------------------

	// RegistryKeysTotal tracks the number of distinct keys currently
	// tracked by the registry.
	RegistryKeysTotal prometheus.Gauge

	// RegistrySizeBytes tracks the on-disk size of the registry database.
	RegistrySizeBytes prometheus.Gauge

	// RegistryRebuildDuration observes how long a full rebuild takes.
	RegistryRebuildDuration prometheus.Histogram

	// ---------------------------------------------------------------
	// CDC Ingestion
	// ---------------------------------------------------------------

	// CDCEventsTotal counts decoded change events by stream and operation.
	CDCEventsTotal *prometheus.CounterVec

	// CDCLagSeconds tracks the age of the last applied checkpoint per
	// stream, as an estimate of replication lag.
	CDCLagSeconds *prometheus.GaugeVec

	// CDCReconnectsTotal counts reconnect attempts by stream, labeled by
	// the reason for disconnection.
	CDCReconnectsTotal *prometheus.CounterVec

	// CDCConnectionStatus tracks whether a CDC stream's connection is up
	// (1) or down (0).
	CDCConnectionStatus *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Vault
	// ---------------------------------------------------------------

	// VaultSizeBytes tracks the on-disk size of the vault database.
	VaultSizeBytes prometheus.Gauge

	// VaultRecordsTotal tracks the number of vault records currently
	// undone (i.e. still backed up, not yet restored).
	VaultRecordsTotal prometheus.Gauge

	// VaultBlobBytesTotal sums the compressed size of every blob written
	// to the vault.
	VaultBlobBytesTotal prometheus.Counter

	// ---------------------------------------------------------------
	// Restore
	// ---------------------------------------------------------------

	// RestoreRunsTotal counts restore invocations by status.
	RestoreRunsTotal *prometheus.CounterVec

	// RestoreObjectsTotal counts objects restored, by outcome
	// (restored, skipped, error).
	RestoreObjectsTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// Storage Pressure
	// ---------------------------------------------------------------

	// StorageVolumeSizeBytes tracks the total size of the volume backing
	// the vault and registry.
	StorageVolumeSizeBytes prometheus.Gauge

	// StorageVolumeAvailableBytes tracks the available bytes on that
	// volume.
	StorageVolumeAvailableBytes prometheus.Gauge

	// StorageVolumeUsagePercent tracks the usage percentage of that
	// volume.
	StorageVolumeUsagePercent prometheus.Gauge

	// StorageVolumeInodesTotal tracks the total number of inodes on that
	// volume.
	StorageVolumeInodesTotal prometheus.Gauge

	// StorageVolumeInodesUsed tracks the number of used inodes on that
	// volume.
	StorageVolumeInodesUsed prometheus.Gauge

	// StoragePressure indicates storage pressure by severity level.
	StoragePressure *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Component Health
	// ---------------------------------------------------------------

	// ComponentUp indicates whether a component is healthy (1) or not (0).
	ComponentUp *prometheus.GaugeVec

	// ComponentLastSuccess records the Unix timestamp of each component's
	// last success.
	ComponentLastSuccess *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the supplied
// registerer. Pass prometheus.DefaultRegisterer for global registration or a
// custom registry for testing.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	// -------------------------------------------------------------------
	// GC Cycle Metrics
	// -------------------------------------------------------------------

	m.GCCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3gc_gc_cycles_total",
		Help: "Total number of completed GC cycles by terminal status.",
	}, []string{"status"})
	registerer.MustRegister(m.GCCyclesTotal)

	m.GCCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "s3gc_gc_cycle_duration_seconds",
		Help:    "Duration of a full GC cycle.",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})
	registerer.MustRegister(m.GCCycleDuration)

	m.GCCandidatesFoundTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_gc_candidates_found_total",
		Help: "Objects past retention with zero registry references, across all cycles.",
	})
	registerer.MustRegister(m.GCCandidatesFoundTotal)

	m.GCVerifiedOrphansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_gc_verified_orphans_total",
		Help: "Candidates confirmed orphaned by DB re-verification.",
	})
	registerer.MustRegister(m.GCVerifiedOrphansTotal)

	m.GCObjectsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_gc_objects_deleted_total",
		Help: "Objects actually removed from the bucket.",
	})
	registerer.MustRegister(m.GCObjectsDeletedTotal)

	m.GCBytesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_gc_bytes_deleted_total",
		Help: "Original (pre-compression) size of every deleted object.",
	})
	registerer.MustRegister(m.GCBytesDeletedTotal)

	m.GCErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_gc_errors_total",
		Help: "Per-object failures encountered during a cycle's verify/act phase.",
	})
	registerer.MustRegister(m.GCErrorsTotal)

	m.RegistryStaleDetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_registry_stale_detections_total",
		Help: "Candidates DB re-verification found still referenced despite a zero registry count.",
	})
	registerer.MustRegister(m.RegistryStaleDetectionsTotal)

	// -------------------------------------------------------------------
	// Reference Registry Metrics
	// -------------------------------------------------------------------

	m.RegistryKeysTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_registry_keys_total",
		Help: "Number of distinct keys currently tracked by the registry.",
	})
	registerer.MustRegister(m.RegistryKeysTotal)

	m.RegistrySizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_registry_size_bytes",
		Help: "On-disk size of the registry database.",
	})
	registerer.MustRegister(m.RegistrySizeBytes)

	m.RegistryRebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "s3gc_registry_rebuild_duration_seconds",
		Help:    "Duration of a full registry rebuild.",
		Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600},
	})
	registerer.MustRegister(m.RegistryRebuildDuration)

	// -------------------------------------------------------------------
	// CDC Ingestion Metrics
	// -------------------------------------------------------------------

	m.CDCEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3gc_cdc_events_total",
		Help: "Decoded change events by stream and operation.",
	}, []string{"stream", "operation"})
	registerer.MustRegister(m.CDCEventsTotal)

	m.CDCLagSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3gc_cdc_lag_seconds",
		Help: "Age of the last applied checkpoint per stream.",
	}, []string{"stream"})
	registerer.MustRegister(m.CDCLagSeconds)

	m.CDCReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3gc_cdc_reconnects_total",
		Help: "Reconnect attempts by stream and reason.",
	}, []string{"stream", "reason"})
	registerer.MustRegister(m.CDCReconnectsTotal)

	m.CDCConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3gc_cdc_connection_status",
		Help: "CDC stream connection status (1 = connected, 0 = disconnected).",
	}, []string{"stream"})
	registerer.MustRegister(m.CDCConnectionStatus)

	// -------------------------------------------------------------------
	// Vault Metrics
	// -------------------------------------------------------------------

	m.VaultSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_vault_size_bytes",
		Help: "On-disk size of the vault database.",
	})
	registerer.MustRegister(m.VaultSizeBytes)

	m.VaultRecordsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_vault_records_total",
		Help: "Vault records currently undone (backed up, not yet restored).",
	})
	registerer.MustRegister(m.VaultRecordsTotal)

	m.VaultBlobBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3gc_vault_blob_bytes_total",
		Help: "Compressed size of every blob written to the vault.",
	})
	registerer.MustRegister(m.VaultBlobBytesTotal)

	// -------------------------------------------------------------------
	// Restore Metrics
	// -------------------------------------------------------------------

	m.RestoreRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3gc_restore_runs_total",
		Help: "Restore invocations by status.",
	}, []string{"status"})
	registerer.MustRegister(m.RestoreRunsTotal)

	m.RestoreObjectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3gc_restore_objects_total",
		Help: "Objects processed during a restore, by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(m.RestoreObjectsTotal)

	// -------------------------------------------------------------------
	// Storage Pressure Metrics
	// -------------------------------------------------------------------

	m.StorageVolumeSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_storage_volume_size_bytes",
		Help: "Total size of the volume backing the vault and registry.",
	})
	registerer.MustRegister(m.StorageVolumeSizeBytes)

	m.StorageVolumeAvailableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_storage_volume_available_bytes",
		Help: "Available bytes on the volume backing the vault and registry.",
	})
	registerer.MustRegister(m.StorageVolumeAvailableBytes)

	m.StorageVolumeUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_storage_volume_usage_percent",
		Help: "Usage percentage of the volume backing the vault and registry.",
	})
	registerer.MustRegister(m.StorageVolumeUsagePercent)

	m.StorageVolumeInodesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_storage_volume_inodes_total",
		Help: "Total number of inodes on the volume backing the vault and registry.",
	})
	registerer.MustRegister(m.StorageVolumeInodesTotal)

	m.StorageVolumeInodesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3gc_storage_volume_inodes_used",
		Help: "Number of used inodes on the volume backing the vault and registry.",
	})
	registerer.MustRegister(m.StorageVolumeInodesUsed)

	m.StoragePressure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3gc_storage_pressure",
		Help: "Storage pressure indicator by severity level.",
	}, []string{"severity"})
	registerer.MustRegister(m.StoragePressure)

	// -------------------------------------------------------------------
	// Component Health Metrics
	// -------------------------------------------------------------------

	m.ComponentUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3gc_component_up",
		Help: "Whether a component is healthy (1) or not (0).",
	}, []string{"component"})
	registerer.MustRegister(m.ComponentUp)

	m.ComponentLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s3gc_component_last_success_timestamp",
		Help: "Unix timestamp of each component's last successful operation.",
	}, []string{"component"})
	registerer.MustRegister(m.ComponentLastSuccess)

	return m
}

// New creates a Metrics instance registered against the default Prometheus
// registry. This is a convenience wrapper for use in production code and
// tests that do not need an isolated registry.
func New() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// RecordGCCycle records the terminal status and duration of a completed GC
// cycle.
func (m *Metrics) RecordGCCycle(status string, duration time.Duration) {
	m.GCCyclesTotal.WithLabelValues(status).Inc()
	m.GCCycleDuration.Observe(duration.Seconds())
}

// AddCandidatesFound adds n to the running candidates-found total.
func (m *Metrics) AddCandidatesFound(n int) {
	m.GCCandidatesFoundTotal.Add(float64(n))
}

// AddVerifiedOrphans adds n to the running verified-orphans total.
func (m *Metrics) AddVerifiedOrphans(n int) {
	m.GCVerifiedOrphansTotal.Add(float64(n))
}

// AddObjectsDeleted adds n to the running objects-deleted total.
func (m *Metrics) AddObjectsDeleted(n int) {
	m.GCObjectsDeletedTotal.Add(float64(n))
}

// AddBytesDeleted adds n bytes to the running deleted-bytes total.
func (m *Metrics) AddBytesDeleted(n int64) {
	m.GCBytesDeletedTotal.Add(float64(n))
}

// AddGCErrors adds n to the running GC error total.
func (m *Metrics) AddGCErrors(n int) {
	m.GCErrorsTotal.Add(float64(n))
}

// RecordRegistryStale increments the registry-stale-detection counter.
func (m *Metrics) RecordRegistryStale() {
	m.RegistryStaleDetectionsTotal.Inc()
}

// RecordCDCEvent increments the CDC event counter for a stream/operation
// pair.
func (m *Metrics) RecordCDCEvent(stream, operation string) {
	m.CDCEventsTotal.WithLabelValues(stream, operation).Inc()
}

// RecordCDCReconnect increments the reconnect counter for a stream and
// records the connection as down.
func (m *Metrics) RecordCDCReconnect(stream, reason string) {
	m.CDCReconnectsTotal.WithLabelValues(stream, reason).Inc()
	m.CDCConnectionStatus.WithLabelValues(stream).Set(0)
}

// RecordCDCConnected marks a stream's connection as up.
func (m *Metrics) RecordCDCConnected(stream string) {
	m.CDCConnectionStatus.WithLabelValues(stream).Set(1)
}

// RecordRestoreRun records the terminal status of a restore invocation.
func (m *Metrics) RecordRestoreRun(status string) {
	m.RestoreRunsTotal.WithLabelValues(status).Inc()
}

// AddRestoreOutcome adds n to the restore-objects counter for the given
// outcome ("restored", "skipped", or "error").
func (m *Metrics) AddRestoreOutcome(outcome string, n int) {
	m.RestoreObjectsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordComponentHealth records the latest health state of a named
// component.
func (m *Metrics) RecordComponentHealth(component string, healthy bool) {
	if healthy {
		m.ComponentUp.WithLabelValues(component).Set(1)
		m.ComponentLastSuccess.WithLabelValues(component).Set(float64(time.Now().Unix()))
	} else {
		m.ComponentUp.WithLabelValues(component).Set(0)
	}
}
