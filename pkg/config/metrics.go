package config

import (
	"github.com/marmos91/wanfs/pkg/metrics"
	promMetrics "github.com/marmos91/wanfs/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Gateway collects gateway metrics (never nil, no-op if disabled)
	Gateway metrics.GatewayMetrics
}

// InitializeMetrics creates the metrics components based on configuration.
//
// If metrics are enabled the global Prometheus registry is initialized and
// the gateway records into it; otherwise no-op implementations are returned.
// version labels the gateway info metric.
func InitializeMetrics(cfg *Config, version string) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{Gateway: metrics.NewNoopGatewayMetrics()}
	}

	metrics.InitRegistry()
	return &MetricsResult{
		Server:  metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}, GatewayInfo(cfg, version)),
		Gateway: promMetrics.NewGatewayMetrics(),
	}
}

// GatewayInfo describes the configured gateway for metrics.
func GatewayInfo(cfg *Config, version string) metrics.GatewayInfo {
	return metrics.GatewayInfo{
		GatewayID: cfg.Gateway.GatewayID,
		Volume:    cfg.Gateway.VolumeID,
		BlockSize: cfg.Gateway.BlockSize,
		Version:   version,
	}
}
