package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json

gateway:
  volume_id: 7
  gateway_id: 2
  owner_id: 1000
  block_size: 4096
  read_freshness: 500ms
  write_freshness: 0s

metadata:
  type: badger
  badger:
    path: /var/lib/wanfs/meta

storage:
  type: memory

replication:
  timeout: 10s
  hosts:
    - id: 100
      type: memory
    - id: 101
      type: s3
      s3:
        bucket: blocks
        region: eu-west-1

gc:
  enabled: true
  interval: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, uint64(7), cfg.Gateway.VolumeID)
	assert.Equal(t, uint64(2), cfg.Gateway.GatewayID)
	assert.Equal(t, 4096, cfg.Gateway.BlockSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.ReadFreshness)
	assert.Zero(t, cfg.Gateway.WriteFreshness)
	assert.Equal(t, "badger", cfg.Metadata.Type)
	assert.Equal(t, "/var/lib/wanfs/meta", cfg.Metadata.Badger["path"])
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 10*time.Second, cfg.Replication.Timeout)
	require.Len(t, cfg.Replication.Hosts, 2)
	assert.Equal(t, uint64(101), cfg.Replication.Hosts[1].ID)
	assert.Equal(t, "blocks", cfg.Replication.Hosts[1].S3["bucket"])
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, time.Minute, cfg.GC.Interval)

	// defaults fill what the file leaves out
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 64, cfg.Gateway.MaxBufferedBlocks)
	assert.Equal(t, 30*time.Second, cfg.Gateway.ShutdownTimeout)
	assert.Equal(t, 4096, cfg.GC.QueueSize)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
	assert.Equal(t, "memory", cfg.Metadata.Type)
	assert.Equal(t, 64*1024, cfg.Gateway.BlockSize)
	assert.Empty(t, cfg.Replication.Hosts)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway:
  gateway_id: 2
`)
	t.Setenv("WANFS_GATEWAY_GATEWAY_ID", "9")
	t.Setenv("WANFS_LOGGING_LEVEL", "warn")
	t.Setenv("WANFS_GATEWAY_WRITE_FRESHNESS", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(9), cfg.Gateway.GatewayID)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Gateway.WriteFreshness)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: INFO
  invalid yaml here [[[
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: tape
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestNamespaceOptions(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Gateway.OwnerID = 1000
	cfg.Gateway.ReadFreshness = 1500 * time.Millisecond
	cfg.Gateway.WriteFreshness = 0

	opts := cfg.Gateway.NamespaceOptions()
	assert.Equal(t, uint64(1000), opts.RootOwner)
	assert.Equal(t, uint32(0755), opts.RootMode)
	assert.EqualValues(t, 1500, opts.DefaultReadFreshness)
	assert.EqualValues(t, 0, opts.DefaultWriteFreshness)
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "wanfs", "config.yaml"), GetDefaultConfigPath())
	assert.False(t, ConfigExists())
}
