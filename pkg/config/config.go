package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/wanfs/pkg/metadata"
)

// Config represents the complete wanfs gateway configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (WANFS_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Each backend section selects an implementation with its Type field and
// carries type-specific maps (e.g. storage.filesystem, storage.badger).
// Only the map matching the selected type is decoded, by the factories.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Gateway identifies this gateway and tunes its caches
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`

	// Metadata selects the metadata service backend
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Storage selects the local block storage backend
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Replication lists the replica hosts blocks and manifests go to
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`

	// GC configures the background garbage collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// GatewayConfig identifies the gateway within its volume.
type GatewayConfig struct {
	// VolumeID is the volume this gateway serves
	VolumeID uint64 `mapstructure:"volume_id" yaml:"volume_id" validate:"required"`

	// GatewayID names this gateway as coordinator and block location.
	// Must differ from every replica host id.
	GatewayID uint64 `mapstructure:"gateway_id" yaml:"gateway_id" validate:"required"`

	// OwnerID owns the volume root when the metadata service creates it
	OwnerID uint64 `mapstructure:"owner_id" yaml:"owner_id"`

	// RootMode is the permission mode of a newly created volume root
	RootMode uint32 `mapstructure:"root_mode" yaml:"root_mode" validate:"lte=4095"` // 4095 = 07777

	// BlockSize is the file block size in bytes
	BlockSize int `mapstructure:"block_size" yaml:"block_size" validate:"gte=512"`

	// MaxBufferedBlocks bounds the dirty blocks a file keeps in memory
	MaxBufferedBlocks int `mapstructure:"max_buffered_blocks" yaml:"max_buffered_blocks" validate:"gt=0"`

	// ReadFreshness and WriteFreshness are assigned to new entries.
	// A zero write freshness replicates every write synchronously.
	ReadFreshness  time.Duration `mapstructure:"read_freshness" yaml:"read_freshness" validate:"gte=0"`
	WriteFreshness time.Duration `mapstructure:"write_freshness" yaml:"write_freshness" validate:"gte=0"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// MetadataConfig specifies the metadata service backend.
type MetadataConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// StorageConfig specifies the local block storage backend.
type StorageConfig struct {
	// Type specifies which block store to use
	// Valid values: memory, filesystem, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory filesystem badger"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// ReplicationConfig configures the replica hosts and remote transfers.
type ReplicationConfig struct {
	// Timeout bounds every remote call. Zero disables the bound.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`

	// RemoteCacheBlocks is the capacity of the cache of blocks downloaded
	// for files coordinated elsewhere
	RemoteCacheBlocks int `mapstructure:"remote_cache_blocks" yaml:"remote_cache_blocks" validate:"gt=0"`

	// MaxUploadRate caps replication traffic in bytes per second, summed
	// over every replica host. Zero means unlimited.
	MaxUploadRate int64 `mapstructure:"max_upload_rate" yaml:"max_upload_rate" validate:"gte=0"`

	// UploadBurst is the largest upload that starts without waiting
	// (default: one second at MaxUploadRate)
	UploadBurst int64 `mapstructure:"upload_burst" yaml:"upload_burst" validate:"gte=0"`

	// Hosts receive every replicated block and manifest, in order
	Hosts []ReplicaHostConfig `mapstructure:"hosts" yaml:"hosts" validate:"dive"`
}

// ReplicaHostConfig defines one replica host.
type ReplicaHostConfig struct {
	// ID names the host in block locations and manifests
	ID uint64 `mapstructure:"id" yaml:"id" validate:"required"`

	// Type specifies the host implementation
	// Valid values: memory, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory s3"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// GCConfig configures the garbage collector.
type GCConfig struct {
	// Enabled runs the background worker
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is how often queued garbage is reclaimed
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// QueueSize bounds the jobs waiting for collection
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"gt=0"`

	// BatchSize is how many blocks are deleted per replica request
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`

	// DryRun logs garbage without deleting it
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled exposes /metrics over HTTP
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of the metrics server
	Port int `mapstructure:"port" yaml:"port" validate:"gt=0,lte=65535"`
}

// NamespaceOptions returns the options a metadata service for this
// gateway's volume is created with.
func (c *GatewayConfig) NamespaceOptions() metadata.NamespaceOptions {
	return metadata.NamespaceOptions{
		RootOwner:             c.OwnerID,
		RootMode:              c.RootMode,
		DefaultReadFreshness:  metadata.FreshnessOf(c.ReadFreshness),
		DefaultWriteFreshness: metadata.FreshnessOf(c.WriteFreshness),
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WANFS_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: WANFS_GATEWAY_GATEWAY_ID=2
	v.SetEnvPrefix("WANFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings that may be given only in the environment.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"gateway.volume_id", "gateway.gateway_id", "gateway.owner_id", "gateway.root_mode",
	"gateway.block_size", "gateway.max_buffered_blocks",
	"gateway.read_freshness", "gateway.write_freshness", "gateway.shutdown_timeout",
	"metadata.type", "storage.type",
	"replication.timeout", "replication.remote_cache_blocks",
	"replication.max_upload_rate", "replication.upload_burst",
	"gc.enabled", "gc.interval", "gc.queue_size", "gc.batch_size", "gc.dry_run",
	"metrics.enabled", "metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			// an explicit path that doesn't exist
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wanfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "wanfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
