package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/config"
	"github.com/marmos91/wanfs/pkg/gateway"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(&cfg.Logging)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// setupLogging applies the logging section and returns a function closing
// the log file, if any.
func setupLogging(cfg *config.LoggingConfig) (func(), error) {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)

	var out io.Writer
	closer := func() {}
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}
	logger.SetOutput(out)
	return closer, nil
}

// run builds the gateway from cfg and serves until ctx is cancelled.
//
// Startup order: metrics, metadata service, block store, transport, garbage
// collector, gateway. Shutdown runs in reverse.
func run(ctx context.Context, cfg *config.Config) error {
	logger.Info("wanfs %s starting: volume=%d gateway=%d", version, cfg.Gateway.VolumeID, cfg.Gateway.GatewayID)

	m := config.InitializeMetrics(cfg, version)

	ms, err := config.CreateMetadataService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ms.Close(); err != nil {
			logger.Error("Failed to close metadata service: %v", err)
		}
	}()
	logger.Info("Metadata service: %s", cfg.Metadata.Type)

	store, err := config.CreateBlockStore(ctx, &cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close block store: %v", err)
		}
	}()
	logger.Info("Block storage: %s", cfg.Storage.Type)

	router, err := config.CreateRouter(ctx, &cfg.Replication)
	if err != nil {
		return err
	}
	if len(cfg.Replication.Hosts) == 0 {
		logger.Warn("No replica hosts configured: data is only stored locally")
	}
	for _, h := range cfg.Replication.Hosts {
		logger.Info("Replica host %d: %s", h.ID, h.Type)
	}

	collector, err := config.CreateCollector(&cfg.GC, store, router, m.Gateway)
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Options{
		GatewayID:         cfg.Gateway.GatewayID,
		Volume:            cfg.Gateway.VolumeID,
		RootOwner:         cfg.Gateway.OwnerID,
		RootMode:          cfg.Gateway.RootMode,
		BlockSize:         cfg.Gateway.BlockSize,
		MaxBufferedBlocks: cfg.Gateway.MaxBufferedBlocks,
		RemoteCacheBlocks: cfg.Replication.RemoteCacheBlocks,
		Metadata:          ms,
		Store:             store,
		Transport:         router,
		Garbage:           collector,
		Metrics:           m.Gateway,
	})
	if err != nil {
		return err
	}
	router.AddPeer(gw.ID(), gw)
	if err := metrics.RegisterGateway(config.GatewayInfo(cfg, version), gw, collector); err != nil {
		return err
	}

	// load the volume root so configuration errors surface at startup
	root, err := gw.Stat(ctx, metadata.SystemIdentity(gw.Volume()), "/")
	if err != nil {
		return fmt.Errorf("failed to load volume root: %w", err)
	}
	logger.Info("Volume root: owner=%d mode=%04o", root.Owner, root.Mode)

	collector.Start()

	metricsDone := make(chan error, 1)
	if m.Server != nil {
		go func() { metricsDone <- m.Server.Start(ctx) }()
	}

	logger.Info("Gateway is running. Press Ctrl+C to stop.")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-metricsDone:
		if err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	}

	shutdownCtx, cancel := cfg.Gateway.ShutdownContext()
	defer cancel()

	if m.Server != nil {
		if err := m.Server.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server: %v", err)
		}
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("Garbage collector: %v", err)
	}
	if err := ms.FlushQueued(shutdownCtx); err != nil {
		logger.Error("Failed to publish queued metadata updates: %v", err)
	}
	logger.Info("Gateway stopped")
	return nil
}
