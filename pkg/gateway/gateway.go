// Package gateway is the handle layer of a user gateway.
//
// A Gateway serves file operations (open, read, write, close, rename,
// unlink, truncate and friends) over a cached namespace tree. It keeps the
// cache in line with the metadata service through the revalidation engine
// and commits writes through the write-back engine. It is also the
// peer-facing endpoint other gateways talk to: it serves the blocks it
// stores, the manifests of the files it coordinates, and applies writes
// forwarded to it as a coordinator.
//
// Every operation takes an already-resolved caller identity. Nothing in
// this package reads configuration globals; a Gateway is fully described by
// its Options.
package gateway

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/metrics"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/revalidate"
	"github.com/marmos91/wanfs/pkg/storage"
	"github.com/marmos91/wanfs/pkg/writeback"
)

const (
	// DefaultBlockSize is the file block size used when Options leaves it unset
	DefaultBlockSize = 64 * 1024

	// DefaultMaxBufferedBlocks bounds the in-RAM blocks of one file before
	// they spill to local storage
	DefaultMaxBufferedBlocks = 64

	// DefaultRemoteCacheBlocks is the capacity of the downloaded block cache
	DefaultRemoteCacheBlocks = 1024
)

// Options configures a Gateway.
type Options struct {
	// GatewayID identifies this gateway as a coordinator and block
	// location. Must not be zero.
	GatewayID uint64

	Volume uint64

	// RootOwner and RootMode seed the cached root until it is first
	// revalidated
	RootOwner uint64
	RootMode  uint32

	// BlockSize is the size of a file block in bytes (default: 64KiB)
	BlockSize int

	// MaxBufferedBlocks is how many dirty blocks a file keeps in RAM before
	// they are committed to local storage (default: 64)
	MaxBufferedBlocks int

	// RemoteCacheBlocks is the capacity, in blocks, of the cache of blocks
	// downloaded for files coordinated elsewhere (default: 1024)
	RemoteCacheBlocks int

	Metadata  metadata.Service
	Store     storage.BlockStore
	Transport replica.Transport

	// Garbage receives superseded blocks and manifests. May be nil.
	Garbage writeback.GarbageSink

	// Metrics may be nil
	Metrics metrics.GatewayMetrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Gateway is the handle layer over one volume.
//
// Thread Safety:
// Safe for concurrent use. Operations lock the cached nodes they touch;
// independent files proceed in parallel.
type Gateway struct {
	id          uint64
	volume      uint64
	blockSize   int64
	maxBuffered int

	tree      *fstree.Tree
	ms        metadata.Service
	store     storage.BlockStore
	transport replica.Transport
	reval     *revalidate.Engine
	sync      *writeback.Engine
	garbage   writeback.GarbageSink
	metrics   metrics.GatewayMetrics
	now       func() time.Time

	// cache holds verified blocks downloaded for files this gateway does
	// not coordinate. Keys name immutable block versions.
	cache *lru.Cache[storage.BlockKey, []byte]
}

// New creates a gateway with an empty namespace cache.
func New(opts Options) (*Gateway, error) {
	if opts.GatewayID == 0 {
		return nil, fmt.Errorf("gateway id must not be zero")
	}
	if opts.Metadata == nil || opts.Store == nil || opts.Transport == nil {
		return nil, fmt.Errorf("gateway requires a metadata service, a block store and a transport")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxBufferedBlocks <= 0 {
		opts.MaxBufferedBlocks = DefaultMaxBufferedBlocks
	}
	if opts.RemoteCacheBlocks <= 0 {
		opts.RemoteCacheBlocks = DefaultRemoteCacheBlocks
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cache, err := lru.New[storage.BlockKey, []byte](opts.RemoteCacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote block cache: %w", err)
	}

	m := metrics.OrNoop(opts.Metrics)
	tree := fstree.NewTree(opts.Volume, fstree.Options{
		RootOwner: opts.RootOwner,
		RootMode:  opts.RootMode,
		Evictor:   opts.Store,
		Now:       now,
	})
	reval := revalidate.NewEngine(tree, opts.Metadata, opts.Transport, revalidate.Options{
		GatewayID: opts.GatewayID,
		Metrics:   m,
	})
	sync := writeback.NewEngine(opts.Store, opts.Metadata, opts.Transport, reval, writeback.Options{
		GatewayID: opts.GatewayID,
		Metrics:   m,
		Garbage:   opts.Garbage,
		Now:       now,
	})

	logger.Info("Gateway %d serving volume %d: block_size=%d max_buffered_blocks=%d remote_cache_blocks=%d",
		opts.GatewayID, opts.Volume, opts.BlockSize, opts.MaxBufferedBlocks, opts.RemoteCacheBlocks)

	return &Gateway{
		id:          opts.GatewayID,
		volume:      opts.Volume,
		blockSize:   int64(opts.BlockSize),
		maxBuffered: opts.MaxBufferedBlocks,
		tree:        tree,
		ms:          opts.Metadata,
		store:       opts.Store,
		transport:   opts.Transport,
		reval:       reval,
		sync:        sync,
		garbage:     opts.Garbage,
		metrics:     m,
		now:         now,
		cache:       cache,
	}, nil
}

// ID returns the gateway id.
func (g *Gateway) ID() uint64 { return g.id }

// Volume returns the volume this gateway serves.
func (g *Gateway) Volume() uint64 { return g.volume }

// BlockSize returns the file block size in bytes.
func (g *Gateway) BlockSize() int { return int(g.blockSize) }

// Tree returns the cached namespace.
func (g *Gateway) Tree() *fstree.Tree { return g.tree }

// CachedEntries returns the number of entries in the namespace cache.
func (g *Gateway) CachedEntries() int { return g.tree.Count() }

// SyncsInFlight returns the number of flushes being replicated or
// committed.
func (g *Gateway) SyncsInFlight() int { return g.sync.InFlight() }

// observe records a handle-layer call.
func (g *Gateway) observe(op string, start time.Time, err error) {
	g.metrics.RecordOperation(op, time.Since(start), err)
}

// system is the identity used for coordinator-side bookkeeping.
func (g *Gateway) system() metadata.Identity {
	return metadata.SystemIdentity(g.volume)
}
