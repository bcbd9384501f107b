// Package metrics provides Prometheus metrics collection for the gateway.
//
// Metrics are optional. Until InitRegistry is called every constructor
// returns a no-op implementation, so the gateway runs the same code path
// with or without collection.
//
// Usage:
//
//	metrics.InitRegistry()
//	m := prometheus.NewGatewayMetrics()
//	gw, err := gateway.New(gateway.Options{Metrics: m, ...})
//	err = metrics.RegisterGateway(metrics.GatewayInfo{...}, gw, collector)
package metrics

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// GatewayInfo identifies the gateway a process serves.
type GatewayInfo struct {
	GatewayID uint64
	Volume    uint64
	BlockSize int
	Version   string
}

// GatewayState is sampled on every scrape.
type GatewayState interface {
	// CachedEntries is the size of the namespace cache
	CachedEntries() int

	// SyncsInFlight counts flushes being replicated or committed
	SyncsInFlight() int
}

// GarbageBacklog is sampled on every scrape.
type GarbageBacklog interface {
	// Pending counts queued collection jobs
	Pending() int
}

// RegisterGateway exposes the identity and point-in-time state of a
// running gateway. garbage may be nil. It is a no-op while metrics are
// disabled.
func RegisterGateway(info GatewayInfo, state GatewayState, garbage GarbageBacklog) error {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return registerGateway(reg, info, state, garbage)
}

func registerGateway(reg prometheus.Registerer, info GatewayInfo, state GatewayState, garbage GarbageBacklog) error {
	labels := prometheus.Labels{
		"gateway": strconv.FormatUint(info.GatewayID, 10),
		"volume":  strconv.FormatUint(info.Volume, 10),
	}

	infoGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wanfs_gateway_info",
		Help: "Identity of the gateway (always 1)",
		ConstLabels: prometheus.Labels{
			"gateway":    labels["gateway"],
			"volume":     labels["volume"],
			"block_size": strconv.Itoa(info.BlockSize),
			"version":    info.Version,
		},
	})
	infoGauge.Set(1)

	cs := []prometheus.Collector{
		infoGauge,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "wanfs_cached_entries",
			Help:        "Entries in the namespace cache",
			ConstLabels: labels,
		}, func() float64 { return float64(state.CachedEntries()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "wanfs_syncs_in_flight",
			Help:        "Flushes being replicated or committed",
			ConstLabels: labels,
		}, func() float64 { return float64(state.SyncsInFlight()) }),
	}
	if garbage != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "wanfs_gc_pending_jobs",
			Help:        "Collection jobs waiting for the garbage collector",
			ConstLabels: labels,
		}, func() float64 { return float64(garbage.Pending()) }))
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register gateway %d metrics: %w", info.GatewayID, err)
		}
	}
	return nil
}
