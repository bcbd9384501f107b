// Package writeback implements the sync protocol that commits a file's
// locally written blocks.
//
// A sync runs in phases on one file node:
//
//  1. buffered blocks are committed to local storage and recorded in the
//     manifest with a fresh block version; superseded versions become
//     garbage
//  2. the dirty and garbage block sets are moved out of the node into a
//     sync context, so writers can keep going
//  3. with the node unlocked, the dirty blocks (and the manifest, when this
//     gateway coordinates the file) are replicated
//  4. in the file's FIFO order, the node is relocked and the commit is
//     published: forwarded to the coordinator, or written to the metadata
//     service when this gateway coordinates the file. An unreachable
//     coordinator is taken over.
//  5. on failure the context is merged back into the node; on success its
//     garbage goes to the collector
package writeback

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/blockhash"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/gc"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/metrics"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/storage"
)

// ErrDestroyed is returned by Flush when the node was destroyed while it
// was unlocked for replication. The node is not held on return.
var ErrDestroyed = metadata.NewError(metadata.ErrNotFound, "file was destroyed during sync", "")

// WriteStateRefresher reloads a file's write tokens after a stale commit.
// *revalidate.Engine implements it.
type WriteStateRefresher interface {
	RefreshWriteState(ctx context.Context, n *fstree.Node, path string) error
}

// GarbageSink receives the garbage of committed syncs. *gc.Collector
// implements it.
type GarbageSink interface {
	Submit(job gc.Job) bool
}

// Options configures an Engine.
type Options struct {
	GatewayID uint64

	// Metrics may be nil
	Metrics metrics.GatewayMetrics

	// Garbage may be nil, in which case superseded blocks are left as
	// orphans
	Garbage GarbageSink

	// Parallelism bounds concurrent local block commits (default: 8)
	Parallelism int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs syncs.
//
// Thread Safety:
// Safe for concurrent use. Syncs of the same file are ordered by the
// file node's queue; syncs of different files are independent.
type Engine struct {
	store     storage.BlockStore
	ms        metadata.Service
	transport replica.Transport
	refresher WriteStateRefresher
	garbage   GarbageSink
	metrics   metrics.GatewayMetrics

	gatewayID   uint64
	parallelism int
	now         func() time.Time

	inFlight atomic.Int64
}

// NewEngine creates a sync engine.
func NewEngine(store storage.BlockStore, ms metadata.Service, transport replica.Transport, refresher WriteStateRefresher, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Engine{
		store:       store,
		ms:          ms,
		transport:   transport,
		refresher:   refresher,
		garbage:     opts.Garbage,
		metrics:     metrics.OrNoop(opts.Metrics),
		gatewayID:   opts.GatewayID,
		parallelism: parallelism,
		now:         now,
	}
}

// InFlight returns the number of flushes past their snapshot that have not
// finished yet.
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// syncContext is the state of one sync, owned by the flushing goroutine.
type syncContext struct {
	path    string
	dirty   fstree.BlockMap
	garbage fstree.GarbageMap

	// rec holds the replicable fields at snapshot time
	rec *metadata.Record

	// manifest is the published manifest, set when this gateway
	// coordinates the file
	manifest *manifest.Message

	// previousManifest is the manifest mtime this sync supersedes
	previousManifest time.Time

	// coordinated is set once the metadata service accepted the record
	// from this gateway as coordinator
	coordinated bool
}

// ============================================================================
// Phase 1: buffered blocks
// ============================================================================

// FlushBuffered commits every dirty buffered block of n to local storage
// and records it in the manifest as a new block version. Nothing is
// replicated. On error no block is recorded and the buffers stay in place.
//
// The caller holds n exclusively.
func (e *Engine) FlushBuffered(ctx context.Context, n *fstree.Node) error {
	if !n.IsFile() || len(n.BufferedBlocks) == 0 {
		return nil
	}
	start := time.Now()

	ids := make([]uint64, 0, len(n.BufferedBlocks))
	for id, b := range n.BufferedBlocks {
		if b.Dirty {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	versions := make([]int64, len(ids))
	hashes := make([][]byte, len(ids))
	for i, id := range ids {
		var prior int64
		if ref, ok := n.Manifest.Lookup(id); ok {
			prior = ref.Version
		}
		versions[i] = manifest.NextBlockVersion(prior)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, id := range ids {
		data := n.BufferedBlocks[id].Data
		key := storage.BlockKey{FileID: n.FileID, FileVersion: n.Version, BlockID: id, BlockVersion: versions[i]}
		g.Go(func() error {
			hashes[i] = blockhash.Sum(data)
			return e.store.CommitBlock(gctx, key, data)
		})
	}
	err := g.Wait()
	e.metrics.RecordSyncPhase("buffered", time.Since(start), err)
	if err != nil {
		return metadata.Wrap(metadata.ErrIO, err, "committing buffered blocks")
	}

	for i, id := range ids {
		if prior, ok := n.Manifest.Lookup(id); ok && !prior.IsHole() {
			if d, dirty := n.DirtyBlocks[id]; dirty && d.Version == prior.Version {
				delete(n.DirtyBlocks, id)
			}
			n.GarbageBlocks.Add(fstree.BlockInfo{
				BlockID:     id,
				Version:     prior.Version,
				FileVersion: prior.FileVersion,
				Location:    prior.Location,
				Hash:        prior.Hash,
			})
		}
		n.Manifest.InsertHashed(e.gatewayID, n.Version, id, versions[i], hashes[i])
		n.DirtyBlocks[id] = fstree.BlockInfo{
			BlockID:     id,
			Version:     versions[i],
			FileVersion: n.Version,
			Location:    e.gatewayID,
			Hash:        hashes[i],
		}
		delete(n.BufferedBlocks, id)
	}

	logger.Debug("Committed %d buffered blocks of file %d locally", len(ids), n.FileID)
	return nil
}

// ============================================================================
// Full sync
// ============================================================================

// Flush runs a full sync of file n. Without force, a file with nothing to
// commit returns immediately; force publishes the node's metadata even
// without dirty blocks (truncate, coordinator-side commits).
//
// The caller holds n exclusively and keeps an open handle on it. The lock
// is released while blocks replicate and is held again on return, except
// when ErrDestroyed is returned.
//
// Any failure reverts the sync and returns an ErrIO error wrapping the
// cause. A stale commit is retried once after refreshing the write tokens.
func (e *Engine) Flush(ctx context.Context, n *fstree.Node, path string, force bool) error {
	if !n.IsFile() {
		return nil
	}
	if err := e.FlushBuffered(ctx, n); err != nil {
		return failed(path, err)
	}
	if !force && len(n.DirtyBlocks) == 0 && len(n.GarbageBlocks) == 0 {
		return nil
	}

	sc := e.snapshot(n, path)
	queue := n.Queue()
	ticket := queue.Enqueue()
	defer queue.Done(ticket)
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	n.Unlock()
	start := time.Now()
	err := e.replicate(ctx, sc)
	e.metrics.RecordSyncPhase("replicate", time.Since(start), err)
	if werr := ticket.Wait(ctx); err == nil {
		err = werr
	}
	if lerr := n.Lock(); lerr != nil {
		logger.Debug("File %s destroyed during sync", path)
		return ErrDestroyed
	}

	if err == nil {
		start = time.Now()
		err = e.commit(ctx, n, sc)
		e.metrics.RecordSyncPhase("metadata", time.Since(start), err)
	}
	if err != nil {
		e.revert(n, sc)
		return failed(path, err)
	}

	e.collect(n, sc)
	e.metrics.RecordSyncedBlocks(len(sc.dirty))
	logger.Debug("Synced %s: %d blocks, %d superseded", path, len(sc.dirty), len(sc.garbage))
	return nil
}

func failed(path string, err error) error {
	return &metadata.Error{
		Code:    metadata.ErrIO,
		Message: "sync failed",
		Path:    path,
		Err:     err,
	}
}

// snapshot moves the pending block sets of n into a new sync context. A
// coordinator also publishes a new manifest. The caller holds n
// exclusively.
func (e *Engine) snapshot(n *fstree.Node, path string) *syncContext {
	sc := &syncContext{
		path:    path,
		dirty:   n.ExtractDirty(),
		garbage: n.ExtractGarbage(),
		rec:     n.Record(0, ""),
	}
	if n.IsLocal(e.gatewayID) {
		sc.previousManifest = n.ManifestMtime
		sc.manifest = e.publishManifest(n, sc.rec.Size, sc.rec.Mtime)
		sc.rec.ManifestMtime = n.ManifestMtime
	}
	return sc
}

// publishManifest stamps the manifest of n with a new manifest mtime and
// returns its wire form. Manifest mtimes strictly increase per file.
func (e *Engine) publishManifest(n *fstree.Node, size int64, mtime time.Time) *manifest.Message {
	stamp := e.now()
	if !stamp.After(n.ManifestMtime) {
		stamp = n.ManifestMtime.Add(time.Nanosecond)
	}
	n.Manifest.Touch(stamp)
	n.ManifestMtime = stamp

	msg := n.Manifest.ToMessage()
	msg.Volume = n.Volume
	msg.FileID = n.FileID
	msg.Coordinator = e.gatewayID
	msg.FileVersion = n.Version
	msg.Size = size
	msg.SetMtime(mtime)
	return msg
}

// replicate uploads the context's dirty blocks, and its manifest if any,
// to the replica hosts. It runs without the node lock.
func (e *Engine) replicate(ctx context.Context, sc *syncContext) error {
	uploads := make([]replica.BlockUpload, 0, len(sc.dirty))
	for _, b := range sc.dirty.Sorted() {
		key := storage.BlockKey{FileID: sc.rec.FileID, FileVersion: b.FileVersion, BlockID: b.BlockID, BlockVersion: b.Version}
		data, err := e.store.ReadBlock(ctx, key)
		if err != nil {
			return metadata.Wrap(metadata.ErrIO, err, "reading dirty block "+key.String())
		}
		uploads = append(uploads, replica.BlockUpload{
			BlockRef: replica.BlockRef{
				Volume:       sc.rec.Volume,
				FileID:       sc.rec.FileID,
				FileVersion:  b.FileVersion,
				BlockID:      b.BlockID,
				BlockVersion: b.Version,
				Hash:         b.Hash,
			},
			Data: data,
		})
	}

	futures := e.transport.ReplicateBlocks(ctx, uploads)
	if sc.manifest != nil {
		futures = append(futures, e.transport.ReplicateManifest(ctx, sc.manifest))
	}
	return replica.WaitAll(ctx, futures)
}

// ============================================================================
// Metadata phase
// ============================================================================

// commit publishes the sync. The caller holds n exclusively and it is this
// context's turn in the file's queue.
func (e *Engine) commit(ctx context.Context, n *fstree.Node, sc *syncContext) error {
	refreshed := false
	for {
		var err error
		if n.IsLocal(e.gatewayID) {
			err = e.update(ctx, n, sc)
		} else {
			var answered bool
			answered, err = e.forward(ctx, n, sc)
			if err != nil && !answered && metadata.IsRemoteUnavailable(err) {
				err = e.takeover(ctx, n, sc)
			}
		}
		if err == nil || !metadata.IsStale(err) || refreshed {
			return err
		}

		refreshed = true
		logger.Debug("Commit of %s is stale, refreshing write state: %v", sc.path, err)
		if err := e.refresher.RefreshWriteState(ctx, n, sc.path); err != nil {
			return err
		}
	}
}

// update writes the context's record to the metadata service.
func (e *Engine) update(ctx context.Context, n *fstree.Node, sc *syncContext) error {
	if sc.manifest == nil {
		// became coordinator through a write-state refresh
		sc.previousManifest = n.ManifestMtime
		sc.manifest = e.publishManifest(n, sc.rec.Size, sc.rec.Mtime)
		sc.rec.ManifestMtime = n.ManifestMtime
		if err := e.transport.ReplicateManifest(ctx, sc.manifest).Wait(ctx); err != nil {
			return err
		}
	}

	rec := sc.rec.Clone()
	rec.WriteNonce = n.WriteNonce
	rec.XattrNonce = n.XattrNonce
	rec.Coordinator = n.Coordinator
	rec.Mode = n.Mode
	rec.Owner = n.Owner
	rec.MaxReadFreshness = n.MaxReadFreshness
	rec.MaxWriteFreshness = n.MaxWriteFreshness

	out, err := e.ms.Update(ctx, rec)
	if err != nil {
		if _, ok := metadata.CodeOf(err); !ok {
			err = metadata.Wrap(metadata.ErrRemoteUnavailable, err, "metadata update failed")
		}
		return err
	}
	n.WriteNonce = out.WriteNonce
	n.XattrNonce = out.XattrNonce
	sc.coordinated = true
	return nil
}

// forward sends the context's blocks to the file's coordinator. answered
// reports whether the coordinator replied, even with an error.
func (e *Engine) forward(ctx context.Context, n *fstree.Node, sc *syncContext) (bool, error) {
	msg := replica.NewWriteMessage(replica.WriteBlocks, e.gatewayID)
	msg.Volume = sc.rec.Volume
	msg.FileID = sc.rec.FileID
	msg.FileVersion = sc.rec.Version
	msg.WriteNonce = n.WriteNonce
	msg.Path = sc.path
	msg.Size = sc.rec.Size
	msg.Mtime = sc.rec.Mtime
	for _, b := range sc.dirty.Sorted() {
		msg.Blocks = append(msg.Blocks, replica.WriteBlock{
			BlockID:     b.BlockID,
			Version:     b.Version,
			FileVersion: b.FileVersion,
			Location:    b.Location,
			Hash:        b.Hash,
		})
	}

	reply, err := e.transport.PostWrite(ctx, n.Coordinator, msg)
	if err != nil {
		return reply != nil, err
	}
	if reply.Type != replica.WritePromise && reply.Type != replica.WriteAccepted {
		return true, metadata.Errorf(metadata.ErrRemoteDataInvalid, "coordinator answered %s to a write", reply.Type)
	}
	n.WriteNonce = reply.WriteNonce
	return true, nil
}

// takeover makes this gateway the coordinator of n after the coordinator
// could not be reached, then commits as coordinator.
func (e *Engine) takeover(ctx context.Context, n *fstree.Node, sc *syncContext) (err error) {
	previous := n.Coordinator
	logger.Info("Coordinator %d of %s is unreachable, taking over", previous, sc.path)
	e.metrics.RecordCoordinatorTakeover()

	n.Coordinator = e.gatewayID
	sc.rec.Coordinator = e.gatewayID
	defer func() {
		if err != nil {
			n.Coordinator = previous
			sc.rec.Coordinator = previous
		}
	}()
	return e.update(ctx, n, sc)
}

// ============================================================================
// Revert and collection
// ============================================================================

// revert merges a failed context back into n. A dirty block is restored
// only if the manifest still records its version: a newer write to the
// block replaces it and already marked it garbage. Garbage is restored
// unconditionally. The caller holds n exclusively.
func (e *Engine) revert(n *fstree.Node, sc *syncContext) {
	restored := 0
	if n.Manifest != nil {
		for id, b := range sc.dirty {
			ref, ok := n.Manifest.Lookup(id)
			if !ok || ref.Version != b.Version || ref.FileVersion != b.FileVersion {
				continue
			}
			if _, newer := n.DirtyBlocks[id]; newer {
				continue
			}
			n.DirtyBlocks[id] = b
			restored++
		}
	}
	for _, g := range sc.garbage {
		n.GarbageBlocks.Add(g)
	}

	e.discardManifest(n, sc)

	e.metrics.RecordRevert(restored)
	logger.Warn("Sync of %s reverted: %d of %d dirty blocks restored, %d garbage blocks kept",
		sc.path, restored, len(sc.dirty), len(sc.garbage))
}

// collect hands the garbage of a committed context to the collector. Only
// a context committed as coordinator reclaims replica copies; a forwarded
// sync evicts its superseded blocks from local storage and leaves the
// replicas to the coordinator. The caller holds n exclusively.
func (e *Engine) collect(n *fstree.Node, sc *syncContext) {
	job := gc.Job{
		Volume: sc.rec.Volume,
		FileID: sc.rec.FileID,
		Blocks: sc.garbage.Sorted(),
	}
	if sc.coordinated {
		if !sc.previousManifest.IsZero() && !sc.previousManifest.Equal(sc.rec.ManifestMtime) {
			job.Manifests = append(job.Manifests, manifestRef(sc.rec, sc.previousManifest))
		}
	} else {
		job.LocalOnly = true
		e.discardManifest(n, sc)
	}
	e.submit(job)
}

// discardManifest drops a manifest the context published that never became
// authoritative, either because the sync failed or because the commit
// ended up forwarded to another coordinator.
func (e *Engine) discardManifest(n *fstree.Node, sc *syncContext) {
	if sc.manifest == nil || sc.coordinated {
		return
	}
	orphan := sc.manifest.ManifestMtime()
	if n.ManifestMtime.Equal(orphan) {
		n.ManifestMtime = sc.previousManifest
		if n.Manifest != nil {
			n.Manifest.Touch(sc.previousManifest)
		}
	}
	e.submit(gc.Job{
		Volume:    sc.rec.Volume,
		FileID:    sc.rec.FileID,
		Manifests: []replica.ManifestRef{manifestRef(sc.rec, orphan)},
	})
}

func (e *Engine) submit(job gc.Job) {
	if e.garbage == nil {
		return
	}
	start := time.Now()
	accepted := e.garbage.Submit(job)
	if !accepted {
		logger.Warn("Garbage of file %d left for a later sweep", job.FileID)
	}
	e.metrics.RecordSyncPhase("gc", time.Since(start), nil)
}

func manifestRef(rec *metadata.Record, mtime time.Time) replica.ManifestRef {
	return replica.ManifestRef{
		Volume:        rec.Volume,
		FileID:        rec.FileID,
		FileVersion:   rec.Version,
		ManifestMtime: mtime,
	}
}
