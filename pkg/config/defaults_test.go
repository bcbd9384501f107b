package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	assert.Equal(t, uint64(1), cfg.Gateway.VolumeID)
	assert.Equal(t, uint64(1), cfg.Gateway.GatewayID)
	assert.Equal(t, uint32(0755), cfg.Gateway.RootMode)
	assert.Equal(t, 64*1024, cfg.Gateway.BlockSize)
	assert.Equal(t, 64, cfg.Gateway.MaxBufferedBlocks)
	assert.Zero(t, cfg.Gateway.ReadFreshness, "zero freshness is a valid setting")
	assert.Zero(t, cfg.Gateway.WriteFreshness)

	assert.Equal(t, "memory", cfg.Metadata.Type)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
	assert.Equal(t, "/tmp/wanfs/blocks", cfg.Storage.Filesystem["path"])
	assert.Equal(t, "/tmp/wanfs/blocks-db", cfg.Storage.Badger["path"])

	assert.Equal(t, 30*time.Second, cfg.Replication.Timeout)
	assert.Equal(t, 1024, cfg.Replication.RemoteCacheBlocks)
	assert.NotNil(t, cfg.Replication.Hosts)

	assert.False(t, cfg.GC.Enabled)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, 256, cfg.GC.BatchSize)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "error", Format: "json", Output: "stderr"},
		Gateway: GatewayConfig{GatewayID: 5, BlockSize: 8192, ShutdownTimeout: time.Second},
		Storage: StorageConfig{Type: "badger", Badger: map[string]any{"path": "/data"}},
		GC:      GCConfig{QueueSize: 10},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "ERROR", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, uint64(5), cfg.Gateway.GatewayID)
	assert.Equal(t, 8192, cfg.Gateway.BlockSize)
	assert.Equal(t, time.Second, cfg.Gateway.ShutdownTimeout)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, "/data", cfg.Storage.Badger["path"])
	assert.Equal(t, 10, cfg.GC.QueueSize)
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, time.Second, cfg.Gateway.ReadFreshness)
	assert.Equal(t, 5*time.Second, cfg.Gateway.WriteFreshness)
	require.Len(t, cfg.Replication.Hosts, 1)
	assert.Equal(t, "memory", cfg.Replication.Hosts[0].Type)
	assert.True(t, cfg.GC.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
}
