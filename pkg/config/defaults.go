package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the factories
//
// Freshness values are left alone: zero is a meaningful setting.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyGatewayDefaults(&cfg.Gateway)
	applyMetadataDefaults(&cfg.Metadata)
	applyStorageDefaults(&cfg.Storage)
	applyReplicationDefaults(&cfg.Replication)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.VolumeID == 0 {
		cfg.VolumeID = 1
	}
	if cfg.GatewayID == 0 {
		cfg.GatewayID = 1
	}
	if cfg.RootMode == 0 {
		cfg.RootMode = 0755
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 64 * 1024
	}
	if cfg.MaxBufferedBlocks == 0 {
		cfg.MaxBufferedBlocks = 64
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/wanfs/metadata"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Populated for every type so generated config files show them
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "/tmp/wanfs/blocks"
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/wanfs/blocks-db"
	}
}

func applyReplicationDefaults(cfg *ReplicationConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RemoteCacheBlocks == 0 {
		cfg.RemoteCacheBlocks = 1024
	}
	if cfg.Hosts == nil {
		cfg.Hosts = []ReplicaHostConfig{}
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 256
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The default gateway replicates to one in-memory host, writes blocks to the
// filesystem and keeps metadata in memory. Entries are revalidated after one
// second and writes are published within five.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Gateway: GatewayConfig{
			ReadFreshness:  time.Second,
			WriteFreshness: 5 * time.Second,
		},
		Replication: ReplicationConfig{
			Hosts: []ReplicaHostConfig{{ID: 100, Type: "memory"}},
		},
		GC: GCConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
