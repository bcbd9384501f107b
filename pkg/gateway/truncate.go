package gateway

import (
	"context"
	"errors"
	"maps"
	"path"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/gc"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/writeback"
)

// Truncate sets the size of the file at path.
func (g *Gateway) Truncate(ctx context.Context, id metadata.Identity, p string, size int64) (err error) {
	start := time.Now()
	defer func() { g.observe("truncate", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return err
	}
	logger.Debug("TRUNCATE: path=%s size=%d", clean, size)

	if err := g.reval.Revalidate(ctx, clean); err != nil {
		return err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Exclusive: true, Access: fstree.AccessWrite})
	if err != nil {
		return err
	}
	if !n.IsFile() {
		n.Unlock()
		return metadata.NewError(metadata.ErrIsDirectory, "not a regular file", clean)
	}

	// pinned like an open handle for the duration of the sync
	n.OpenCount++
	if err := g.ensureManifest(ctx, n, clean); err != nil {
		g.tree.Release(ctx, n)
		n.Unlock()
		return err
	}
	err = g.truncate(ctx, n, clean, size)
	if errors.Is(err, writeback.ErrDestroyed) {
		return err
	}
	g.tree.Release(ctx, n)
	n.Unlock()
	return err
}

// Truncate sets the size of the handle's file.
func (h *Handle) Truncate(ctx context.Context, size int64) (err error) {
	g := h.gw
	start := time.Now()
	defer func() { g.observe("truncate", start, err) }()

	if err := h.check(true); err != nil {
		return err
	}
	n := h.node
	if err := n.Lock(); err != nil {
		return err
	}
	if err := g.ensureManifest(ctx, n, h.path); err != nil {
		n.Unlock()
		return err
	}
	err = g.truncate(ctx, n, h.path, size)
	if !errors.Is(err, writeback.ErrDestroyed) {
		n.Unlock()
	}
	return err
}

// truncate applies a truncate as coordinator, or forwards it to the
// coordinator. The caller holds n exclusively with an open reference.
func (g *Gateway) truncate(ctx context.Context, n *fstree.Node, p string, size int64) error {
	if size < 0 {
		return metadata.NewError(metadata.ErrInvalid, "negative size", p)
	}
	if n.IsLocal(g.id) {
		return g.truncateLocal(ctx, n, p, size)
	}

	// pending writes commit first so the truncate supersedes them
	if err := g.sync.Flush(ctx, n, p, false); err != nil {
		return err
	}

	msg := replica.NewWriteMessage(replica.WriteTruncate, g.id)
	msg.Volume = n.Volume
	msg.FileID = n.FileID
	msg.FileVersion = n.Version
	msg.Path = p
	msg.Size = size
	msg.Mtime = g.now()

	reply, reached, err := g.forward(ctx, n, p, msg)
	if !reached {
		if err == nil {
			// the refreshed write state names this gateway
			return g.truncateLocal(ctx, n, p, size)
		}
		previous := n.Coordinator
		logger.Info("Coordinator %d of %s unreachable, truncating as coordinator: %v", previous, p, err)
		g.metrics.RecordCoordinatorTakeover()
		n.Coordinator = g.id
		if err := g.truncateLocal(ctx, n, p, size); err != nil {
			n.Coordinator = previous
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	n.WriteNonce = reply.WriteNonce
	n.Version = reply.FileVersion
	n.Size = reply.Size
	n.Mtime = reply.Mtime
	clear(n.BufferedBlocks)
	n.Manifest = manifest.New(n.Version)
	n.MarkReadStale()
	logger.Debug("TRUNCATE: %s truncated to %d by coordinator %d (version %d)", p, size, n.Coordinator, n.Version)
	return nil
}

// truncateLocal truncates a file this gateway coordinates. Shrinking moves
// the file to a new version: blocks past the new end become garbage, the
// locally hosted blocks are reversioned in storage and re-replicated under
// the new version, and the partial tail block is zero-filled. The change is
// committed with a forced sync; if it fails the file is put back at its old
// version.
func (g *Gateway) truncateLocal(ctx context.Context, n *fstree.Node, p string, size int64) (err error) {
	if size >= n.Size {
		if size > n.Size {
			g.expand(n, size)
		}
		n.Mtime = g.now()
		n.Changed = n.Mtime
		return g.sync.Flush(ctx, n, p, true)
	}

	if err := g.sync.FlushBuffered(ctx, n); err != nil {
		return err
	}

	oldVersion, newVersion := n.Version, n.Version+1
	oldManifest := n.ManifestMtime
	end := uint64((size + g.blockSize - 1) / g.blockSize)

	saved := saveTruncate(n)
	reversioned := false
	defer func() {
		if err != nil && !errors.Is(err, writeback.ErrDestroyed) {
			g.undoTruncate(ctx, n, p, saved, newVersion, reversioned)
		}
	}()

	n.Manifest.Each(func(ref manifest.BlockRef) bool {
		if ref.BlockID >= end && !ref.IsHole() {
			n.GarbageBlocks.Add(blockInfo(ref))
			delete(n.DirtyBlocks, ref.BlockID)
		}
		return true
	})
	n.Manifest.Truncate(end)

	if err := g.store.ReversionFile(ctx, n.FileID, oldVersion, newVersion); err != nil {
		return metadata.Wrap(metadata.ErrIO, err, "reversioning local blocks")
	}
	reversioned = true

	// superseded versions still awaiting collection moved as well
	for _, b := range n.GarbageBlocks.Sorted() {
		if b.Location == g.id && b.FileVersion == oldVersion {
			moved := b
			moved.FileVersion = newVersion
			n.GarbageBlocks.Add(moved)
		}
	}
	n.Manifest.Each(func(ref manifest.BlockRef) bool {
		if ref.Location != g.id || ref.IsHole() || ref.FileVersion != oldVersion {
			return true
		}
		// the replicas hold it under the old version only
		n.GarbageBlocks.Add(blockInfo(ref))
		moved := blockInfo(ref)
		moved.FileVersion = newVersion
		n.DirtyBlocks[ref.BlockID] = moved
		return true
	})
	n.Manifest.SetFileVersion(g.id, newVersion)
	n.Version = newVersion

	if tail := size % g.blockSize; tail != 0 {
		id := uint64(size / g.blockSize)
		if ref, ok := n.Manifest.Lookup(id); ok && !ref.IsHole() {
			data, err := g.readBlock(ctx, n, p, id)
			if err != nil {
				return err
			}
			clear(data[tail:])
			n.BufferedBlocks[id] = &fstree.BufferedBlock{Data: data, Dirty: true}
		}
	}

	n.Size = size
	n.Mtime = g.now()
	n.Changed = n.Mtime
	logger.Debug("TRUNCATE: %s to %d bytes, version %d -> %d", p, size, oldVersion, newVersion)

	if err := g.sync.Flush(ctx, n, p, true); err != nil {
		return err
	}

	if !oldManifest.IsZero() && g.garbage != nil {
		g.garbage.Submit(gc.Job{
			Volume: n.Volume,
			FileID: n.FileID,
			Manifests: []replica.ManifestRef{{
				Volume:        n.Volume,
				FileID:        n.FileID,
				FileVersion:   oldVersion,
				ManifestMtime: oldManifest,
				Path:          path.Clean(p),
			}},
		})
	}
	return nil
}

// truncateState is a file's block state before a shrinking truncate.
type truncateState struct {
	manifest      *manifest.Manifest
	manifestMtime time.Time
	version       int64
	size          int64
	mtime         time.Time
	dirty         fstree.BlockMap
	garbage       fstree.GarbageMap
}

func saveTruncate(n *fstree.Node) *truncateState {
	return &truncateState{
		manifest:      n.Manifest.Clone(),
		manifestMtime: n.ManifestMtime,
		version:       n.Version,
		size:          n.Size,
		mtime:         n.Mtime,
		dirty:         maps.Clone(n.DirtyBlocks),
		garbage:       maps.Clone(n.GarbageBlocks),
	}
}

// undoTruncate puts n back at the state saved before a failed shrinking
// truncate. Blocks committed under the new version that the old manifest
// does not record become garbage under both file versions: the local copy
// moves back with the rest of the file, a replica copy may exist under the
// new one. Moved blocks already replicated under the new version are kept
// since a retry writes the same objects.
func (g *Gateway) undoTruncate(ctx context.Context, n *fstree.Node, p string, s *truncateState, newVersion int64, reversioned bool) {
	var orphans []fstree.BlockInfo
	for _, b := range n.DirtyBlocks {
		if b.FileVersion != newVersion {
			continue
		}
		if ref, ok := s.manifest.Lookup(b.BlockID); ok && ref.Version == b.Version {
			continue
		}
		orphans = append(orphans, b)
	}

	n.Manifest = s.manifest
	n.ManifestMtime = s.manifestMtime
	n.Version = s.version
	n.Size = s.size
	n.Mtime = s.mtime
	n.DirtyBlocks = s.dirty
	n.GarbageBlocks = s.garbage
	clear(n.BufferedBlocks)

	if reversioned {
		if err := g.store.ReversionFile(context.WithoutCancel(ctx), n.FileID, newVersion, s.version); err != nil {
			logger.Error("TRUNCATE: restoring local blocks of %s to version %d failed: %v", p, s.version, err)
		}
	}
	for _, b := range orphans {
		n.GarbageBlocks.Add(b)
		b.FileVersion = s.version
		n.GarbageBlocks.Add(b)
	}
	logger.Warn("TRUNCATE: %s left at version %d, %d uncommitted blocks discarded", p, s.version, len(orphans))
}

func blockInfo(ref manifest.BlockRef) fstree.BlockInfo {
	return fstree.BlockInfo{
		BlockID:     ref.BlockID,
		Version:     ref.Version,
		FileVersion: ref.FileVersion,
		Location:    ref.Location,
		Hash:        ref.Hash,
	}
}
