// Package prometheus provides the Prometheus-backed gateway metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/wanfs/pkg/metrics"
)

// gatewayMetrics is the Prometheus implementation of metrics.GatewayMetrics.
type gatewayMetrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	revalidations     *prometheus.CounterVec
	revalidationTime  prometheus.Histogram
	manifestFetches   *prometheus.CounterVec
	syncPhases        *prometheus.CounterVec
	syncPhaseDuration *prometheus.HistogramVec
	reverts           prometheus.Counter
	revertedBlocks    prometheus.Counter
	takeovers         prometheus.Counter
	blockReads        *prometheus.CounterVec
	blockReadBytes    *prometheus.CounterVec
	garbageCollected  prometheus.Counter
	syncedBlocks      prometheus.Counter
	xattrLookups      *prometheus.CounterVec
}

// latencyBuckets spans local lock-only calls to WAN round trips.
var latencyBuckets = []float64{
	0.0001, // 100µs
	0.001,  // 1ms
	0.01,   // 10ms
	0.1,    // 100ms
	1,      // 1s
	10,     // 10s
}

// NewGatewayMetrics registers the gateway metrics on the global registry.
//
// Returns the no-op implementation if metrics are not enabled.
func NewGatewayMetrics() metrics.GatewayMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopGatewayMetrics()
	}
	return newGatewayMetrics(metrics.GetRegistry())
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	f := promauto.With(reg)
	return &gatewayMetrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_operations_total",
			Help: "Handle-layer calls by operation and status",
		}, []string{"op", "status"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wanfs_operation_duration_seconds",
			Help:    "Duration of handle-layer calls",
			Buckets: latencyBuckets,
		}, []string{"op"}),
		revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_revalidations_total",
			Help: "Path revalidations by outcome (fresh, merged, error)",
		}, []string{"outcome"}),
		revalidationTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wanfs_revalidation_duration_seconds",
			Help:    "Duration of path revalidations",
			Buckets: latencyBuckets,
		}),
		manifestFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_manifest_fetches_total",
			Help: "Manifest downloads by source and status",
		}, []string{"source", "status"}),
		syncPhases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_sync_phases_total",
			Help: "Write-back phases by phase and status",
		}, []string{"phase", "status"}),
		syncPhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wanfs_sync_phase_duration_seconds",
			Help:    "Duration of write-back phases",
			Buckets: latencyBuckets,
		}, []string{"phase"}),
		reverts: f.NewCounter(prometheus.CounterOpts{
			Name: "wanfs_sync_reverts_total",
			Help: "Flushes rolled back after a failure",
		}),
		revertedBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "wanfs_sync_reverted_blocks_total",
			Help: "Dirty blocks restored by reverts",
		}),
		takeovers: f.NewCounter(prometheus.CounterOpts{
			Name: "wanfs_coordinator_takeovers_total",
			Help: "Files whose coordination this gateway took over",
		}),
		blockReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_block_reads_total",
			Help: "Blocks read by source",
		}, []string{"source"}),
		blockReadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_block_read_bytes_total",
			Help: "Bytes of block data read by source",
		}, []string{"source"}),
		garbageCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "wanfs_gc_blocks_reclaimed_total",
			Help: "Superseded block versions reclaimed",
		}),
		syncedBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "wanfs_sync_blocks_total",
			Help: "Dirty blocks published by successful flushes",
		}),
		xattrLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanfs_xattr_lookups_total",
			Help: "Extended attribute reads by source (builtin, cache, metadata)",
		}, []string{"source"}),
	}
}

func (m *gatewayMetrics) RecordOperation(op string, duration time.Duration, err error) {
	m.operations.WithLabelValues(op, metrics.Status(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *gatewayMetrics) RecordRevalidation(outcome string, duration time.Duration) {
	m.revalidations.WithLabelValues(outcome).Inc()
	m.revalidationTime.Observe(duration.Seconds())
}

func (m *gatewayMetrics) RecordManifestFetch(source string, err error) {
	m.manifestFetches.WithLabelValues(source, metrics.Status(err)).Inc()
}

func (m *gatewayMetrics) RecordSyncPhase(phase string, duration time.Duration, err error) {
	m.syncPhases.WithLabelValues(phase, metrics.Status(err)).Inc()
	m.syncPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (m *gatewayMetrics) RecordRevert(restored int) {
	m.reverts.Inc()
	m.revertedBlocks.Add(float64(restored))
}

func (m *gatewayMetrics) RecordCoordinatorTakeover() {
	m.takeovers.Inc()
}

func (m *gatewayMetrics) RecordBlockRead(source string, bytes int) {
	m.blockReads.WithLabelValues(source).Inc()
	m.blockReadBytes.WithLabelValues(source).Add(float64(bytes))
}

func (m *gatewayMetrics) RecordGarbageCollected(blocks int) {
	m.garbageCollected.Add(float64(blocks))
}

func (m *gatewayMetrics) RecordSyncedBlocks(blocks int) {
	m.syncedBlocks.Add(float64(blocks))
}

func (m *gatewayMetrics) RecordXattrLookup(source string) {
	m.xattrLookups.WithLabelValues(source).Inc()
}

var _ metrics.GatewayMetrics = (*gatewayMetrics)(nil)
