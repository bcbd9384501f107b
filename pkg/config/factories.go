package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/internal/ratelimiter"
	"github.com/marmos91/wanfs/pkg/gc"
	"github.com/marmos91/wanfs/pkg/metadata"
	metabadger "github.com/marmos91/wanfs/pkg/metadata/badger"
	metamemory "github.com/marmos91/wanfs/pkg/metadata/memory"
	"github.com/marmos91/wanfs/pkg/metrics"
	"github.com/marmos91/wanfs/pkg/replica"
	replicamemory "github.com/marmos91/wanfs/pkg/replica/memory"
	replicas3 "github.com/marmos91/wanfs/pkg/replica/s3"
	"github.com/marmos91/wanfs/pkg/storage"
	storagebadger "github.com/marmos91/wanfs/pkg/storage/badger"
	storagefs "github.com/marmos91/wanfs/pkg/storage/fs"
	storagememory "github.com/marmos91/wanfs/pkg/storage/memory"
)

// decode decodes a type-specific map into out, accepting duration strings.
func decode(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// ============================================================================
// Metadata service
// ============================================================================

// CreateMetadataService creates the metadata service of the gateway's volume.
//
// Supported types:
//   - "memory": ephemeral, in-process namespace
//   - "badger": persistent BadgerDB namespace
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Complete configuration (the gateway section seeds the root)
//
// Returns:
//   - *metadata.Namespace: Initialized service; the caller closes it
//   - error: Configuration or initialization error
func CreateMetadataService(ctx context.Context, cfg *Config) (*metadata.Namespace, error) {
	opts := cfg.Gateway.NamespaceOptions()
	switch cfg.Metadata.Type {
	case "memory":
		return metamemory.NewService(ctx, cfg.Gateway.VolumeID, opts)
	case "badger":
		var badgerCfg metabadger.Config
		if err := decode(cfg.Metadata.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("failed to decode badger metadata config: %w", err)
		}
		if badgerCfg.Path == "" && !badgerCfg.InMemory {
			return nil, fmt.Errorf("badger metadata service: path is required")
		}
		ns, err := metabadger.NewService(ctx, badgerCfg, cfg.Gateway.VolumeID, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger metadata service: %w", err)
		}
		return ns, nil
	default:
		return nil, fmt.Errorf("unknown metadata type: %q (supported: memory, badger)", cfg.Metadata.Type)
	}
}

// ============================================================================
// Local block storage
// ============================================================================

// CreateBlockStore creates the local block store.
//
// Supported types:
//   - "memory": in-memory blocks, lost on restart
//   - "filesystem": one file per block version under a base directory
//   - "badger": blocks as BadgerDB values
func CreateBlockStore(ctx context.Context, cfg *StorageConfig) (storage.BlockStore, error) {
	switch cfg.Type {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return storagememory.NewMemoryBlockStore(), nil
	case "filesystem":
		var fsCfg storagefs.Config
		if err := decode(cfg.Filesystem, &fsCfg); err != nil {
			return nil, fmt.Errorf("failed to decode filesystem storage config: %w", err)
		}
		if fsCfg.Path == "" {
			return nil, fmt.Errorf("filesystem storage: path is required")
		}
		store, err := storagefs.NewFSBlockStore(ctx, fsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem block store: %w", err)
		}
		return store, nil
	case "badger":
		var badgerCfg storagebadger.Config
		if err := decode(cfg.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("failed to decode badger storage config: %w", err)
		}
		if badgerCfg.Path == "" && !badgerCfg.InMemory {
			return nil, fmt.Errorf("badger storage: path is required")
		}
		store, err := storagebadger.NewBadgerBlockStore(ctx, badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger block store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %q (supported: memory, filesystem, badger)", cfg.Type)
	}
}

// ============================================================================
// Replica hosts
// ============================================================================

// ReplicaHost is a configured host with its id.
type ReplicaHost struct {
	ID   uint64
	Host replica.Host
}

// CreateReplicaHosts creates every configured replica host, in order.
func CreateReplicaHosts(ctx context.Context, cfg *ReplicationConfig) ([]ReplicaHost, error) {
	hosts := make([]ReplicaHost, 0, len(cfg.Hosts))
	for i, hostCfg := range cfg.Hosts {
		var host replica.Host
		var err error
		switch hostCfg.Type {
		case "memory":
			host = replicamemory.NewMemoryHost()
		case "s3":
			host, err = createS3Host(ctx, hostCfg.S3)
		default:
			err = fmt.Errorf("unknown replica host type: %q (supported: memory, s3)", hostCfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("replication.hosts[%d]: %w", i, err)
		}
		hosts = append(hosts, ReplicaHost{ID: hostCfg.ID, Host: host})
	}
	return hosts, nil
}

// CreateRouter creates the transport of the gateway with every configured
// replica host registered. Peer gateways are added by the caller.
func CreateRouter(ctx context.Context, cfg *ReplicationConfig) (*replica.Router, error) {
	hosts, err := CreateReplicaHosts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	router := replica.NewRouter(replica.RouterOptions{
		Timeout:       cfg.Timeout,
		UploadLimiter: ratelimiter.New(cfg.MaxUploadRate, cfg.UploadBurst),
	})
	for _, h := range hosts {
		router.AddHost(h.ID, h.Host)
	}
	return router, nil
}

// s3HostConfig is the s3 section of a replica host.
type s3HostConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// createS3Host creates an S3-backed replica host.
func createS3Host(ctx context.Context, options map[string]any) (replica.Host, error) {
	var hostCfg s3HostConfig
	if err := decode(options, &hostCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 host config: %w", err)
	}
	if hostCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 host: bucket is required")
	}
	if hostCfg.Region == "" {
		return nil, fmt.Errorf("S3 host: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(hostCfg.Region),
	}

	// Static credentials, otherwise the default credential chain
	if hostCfg.AccessKeyID != "" && hostCfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(hostCfg.AccessKeyID, hostCfg.SecretAccessKey, ""),
		))
	}

	maxRetries := hostCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO, Localstack and friends
		if hostCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(hostCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create the host
	// ========================================================================

	host, err := replicas3.NewS3Host(replicas3.Config{
		Client:    client,
		Bucket:    hostCfg.Bucket,
		KeyPrefix: hostCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 host: %w", err)
	}

	logger.Info("S3 replica host initialized: bucket=%s, region=%s, prefix=%s",
		hostCfg.Bucket, hostCfg.Region, hostCfg.KeyPrefix)
	return host, nil
}

// ============================================================================
// Garbage collection
// ============================================================================

// CreateCollector creates the garbage collector over the block store and the
// transport. It is not started.
func CreateCollector(cfg *GCConfig, store storage.BlockStore, transport replica.Transport, m metrics.GatewayMetrics) (*gc.Collector, error) {
	return gc.NewCollector(store, transport, gc.Config{
		Enabled:   cfg.Enabled,
		Interval:  cfg.Interval,
		QueueSize: cfg.QueueSize,
		BatchSize: cfg.BatchSize,
		DryRun:    cfg.DryRun,
	}, m)
}

// ShutdownContext returns a context bounded by the configured shutdown timeout.
func (c *GatewayConfig) ShutdownContext() (context.Context, context.CancelFunc) {
	timeout := c.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
