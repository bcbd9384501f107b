// Package gc reclaims superseded block versions and manifests.
//
// The write-back engine hands every committed sync's garbage to the
// collector. Collection is best-effort: a block that could not be removed
// is counted and logged, never reported to the writer, because the write it
// belonged to has already committed. Anything missed here is an orphan that
// a later sweep may reclaim.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/metrics"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/storage"
)

// Job is the garbage of one committed sync.
type Job struct {
	Volume uint64
	FileID uint64

	// Blocks are superseded block versions, stored locally and/or on the
	// replica hosts
	Blocks []fstree.BlockInfo

	// Manifests are superseded manifests on the replica hosts
	Manifests []replica.ManifestRef

	// LocalOnly evicts Blocks from local storage without deleting their
	// replica copies. Manifests are still deleted.
	LocalOnly bool
}

func (j Job) empty() bool {
	return len(j.Blocks) == 0 && len(j.Manifests) == 0
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled runs the background worker. A disabled collector still
	// accepts jobs; they are reclaimed by RunNow only.
	Enabled bool

	// Interval is how often queued jobs are reclaimed (default: 30s)
	Interval time.Duration

	// QueueSize bounds the jobs waiting for collection (default: 4096).
	// Jobs beyond it are dropped and left as orphans.
	QueueSize int

	// BatchSize is how many blocks are deleted from the replica hosts per
	// request (default: 256)
	BatchSize int

	// DryRun logs what would be deleted without deleting
	DryRun bool
}

// Collector reclaims garbage submitted by the write-back engine.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	store     storage.BlockStore
	transport replica.Transport
	config    Config
	metrics   metrics.GatewayMetrics

	mu      sync.Mutex
	pending []Job
	dropped uint64

	// runMu serializes collection runs
	runMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCollector creates a collector over the local block store and the
// replica transport. transport may be nil when the gateway has no replica
// hosts. The collector is not started.
func NewCollector(store storage.BlockStore, transport replica.Transport, config Config, m metrics.GatewayMetrics) (*Collector, error) {
	if store == nil {
		return nil, fmt.Errorf("garbage collector requires a block store")
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.QueueSize == 0 {
		config.QueueSize = 4096
	}
	if config.BatchSize == 0 {
		config.BatchSize = 256
	}

	return &Collector{
		store:     store,
		transport: transport,
		config:    config,
		metrics:   metrics.OrNoop(m),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Submit queues a job. It never blocks; a full queue drops the job and
// returns false.
func (c *Collector) Submit(job Job) bool {
	if job.empty() {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.config.QueueSize {
		c.dropped++
		logger.Warn("GC: queue full, dropping %d blocks of file %d", len(job.Blocks), job.FileID)
		return false
	}
	c.pending = append(c.pending, job)
	return true
}

// Pending returns the number of queued jobs.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start begins background collection. Safe to call multiple times.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection worker disabled")
		return
	}
	c.startOnce.Do(func() {
		logger.Info("Starting garbage collector: interval=%s batch_size=%d dry_run=%v",
			c.config.Interval, c.config.BatchSize, c.config.DryRun)
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.worker()
	})
}

// Stop stops the worker and runs a final collection of what is queued.
// Safe to call multiple times.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	if started {
		select {
		case <-c.doneCh:
		case <-ctx.Done():
			logger.Warn("Garbage collector shutdown timeout")
			return ctx.Err()
		}
	}

	_, err := c.RunNow(ctx)
	return err
}

// RunNow reclaims every queued job and blocks until done.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else if stats.Jobs > 0 {
				logger.Debug("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect drains the queue. Local removals are per block; replica
// deletions go out in batches.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats := &Stats{StartTime: time.Now()}

	c.mu.Lock()
	jobs := c.pending
	c.pending = nil
	stats.Dropped = c.dropped
	c.mu.Unlock()

	stats.Jobs = uint64(len(jobs))
	if len(jobs) == 0 {
		stats.EndTime = time.Now()
		return stats, nil
	}

	var refs, remote []replica.BlockRef
	for _, job := range jobs {
		for _, b := range job.Blocks {
			stats.Blocks++
			ref := replica.BlockRef{
				Volume:       job.Volume,
				FileID:       job.FileID,
				FileVersion:  b.FileVersion,
				BlockID:      b.BlockID,
				BlockVersion: b.Version,
			}
			refs = append(refs, ref)
			if !job.LocalOnly {
				remote = append(remote, ref)
			}
		}
		stats.Manifests += uint64(len(job.Manifests))
	}

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - would delete %d blocks and %d manifests", stats.Blocks, stats.Manifests)
		stats.EndTime = time.Now()
		return stats, nil
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}
		key := storage.BlockKey{FileID: ref.FileID, FileVersion: ref.FileVersion, BlockID: ref.BlockID, BlockVersion: ref.BlockVersion}
		if err := c.store.RemoveBlock(ctx, key); err != nil {
			logger.Debug("GC: local removal of %s failed: %v", key, err)
			stats.Failed++
			continue
		}
		stats.Deleted++
	}

	if c.transport != nil {
		for i := 0; i < len(remote); i += c.config.BatchSize {
			if err := ctx.Err(); err != nil {
				stats.EndTime = time.Now()
				return stats, err
			}
			end := min(i+c.config.BatchSize, len(remote))
			if err := c.transport.DeleteBlocks(ctx, remote[i:end]); err != nil {
				logger.Warn("GC: replica deletion of %d blocks failed: %v", end-i, err)
				stats.RemoteFailed += uint64(end - i)
			}
		}

		for _, job := range jobs {
			for _, ref := range job.Manifests {
				if err := c.transport.DeleteManifest(ctx, ref); err != nil {
					logger.Warn("GC: replica deletion of manifest %s failed: %v", ref, err)
					stats.RemoteFailed++
				}
			}
		}
	}

	c.metrics.RecordGarbageCollected(int(stats.Deleted))
	stats.EndTime = time.Now()
	logger.Debug("GC: %s", stats.Summary())
	return stats, nil
}

// Stats contains statistics from a collection run.
type Stats struct {
	StartTime    time.Time
	EndTime      time.Time
	Jobs         uint64 // jobs drained from the queue
	Blocks       uint64 // superseded block versions seen
	Manifests    uint64 // superseded manifests seen
	Deleted      uint64 // blocks removed from local storage
	Failed       uint64 // blocks whose local removal failed
	RemoteFailed uint64 // blocks or manifests the replica hosts failed to delete
	Dropped      uint64 // jobs ever dropped on a full queue
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("jobs=%d blocks=%d manifests=%d deleted=%d failed=%d remote_failed=%d dropped=%d duration=%s",
		s.Jobs, s.Blocks, s.Manifests, s.Deleted, s.Failed, s.RemoteFailed, s.Dropped, s.Duration())
}
