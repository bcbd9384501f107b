package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/blockhash"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/storage"
	"github.com/marmos91/wanfs/pkg/writeback"
)

// ============================================================================
// Read
// ============================================================================

// ReadAt reads len(p) bytes at offset off. Like io.ReaderAt it returns
// io.EOF when fewer bytes are available.
//
// Blocks are served from the write buffers, local storage, the remote
// block cache, or downloaded from the block's location, the coordinator
// and then each replica host. Downloaded blocks are verified against the
// digest recorded in the manifest.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (read int, err error) {
	g := h.gw
	start := time.Now()
	defer func() {
		if err != io.EOF {
			g.observe("read", start, err)
		}
	}()

	if err := h.check(false); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, metadata.NewError(metadata.ErrInvalid, "negative offset", h.path)
	}

	if err := g.refresh(ctx, h.path); err != nil {
		return 0, err
	}

	n := h.node
	if err := n.Lock(); err != nil {
		return 0, err
	}
	defer n.Unlock()

	if err := g.ensureManifest(ctx, n, h.path); err != nil {
		return 0, err
	}
	if off >= n.Size {
		return 0, io.EOF
	}

	end := min(off+int64(len(p)), n.Size)
	for pos := off; pos < end; {
		id := uint64(pos / g.blockSize)
		data, err := g.readBlock(ctx, n, h.path, id)
		if err != nil {
			return read, err
		}
		c := copy(p[read:end-off], data[pos%g.blockSize:])
		read += c
		pos += int64(c)
	}

	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// refresh revalidates path before serving cached data. An unreachable
// metadata service is tolerated: the cached state is served.
func (g *Gateway) refresh(ctx context.Context, p string) error {
	err := g.reval.Revalidate(ctx, p)
	if err != nil && metadata.IsRemoteUnavailable(err) {
		logger.Debug("Serving cached state of %s: %v", p, err)
		return nil
	}
	return err
}

// readBlock returns a private, block-sized copy of block id of n. Holes
// and blocks past the manifest read as zeros. The caller holds n
// exclusively.
func (g *Gateway) readBlock(ctx context.Context, n *fstree.Node, p string, id uint64) ([]byte, error) {
	if b, ok := n.BufferedBlocks[id]; ok {
		g.metrics.RecordBlockRead("buffer", len(b.Data))
		return g.pad(b.Data), nil
	}

	ref, ok := n.Manifest.Lookup(id)
	if !ok || ref.IsHole() {
		return make([]byte, g.blockSize), nil
	}

	key := storage.BlockKey{FileID: n.FileID, FileVersion: ref.FileVersion, BlockID: id, BlockVersion: ref.Version}
	if ref.Location == g.id {
		data, err := g.store.ReadBlock(ctx, key)
		if err == nil {
			g.metrics.RecordBlockRead("local", len(data))
			return g.pad(data), nil
		}
		if !errors.Is(err, storage.ErrBlockNotFound) {
			return nil, metadata.Wrap(metadata.ErrIO, err, "reading local block "+key.String())
		}
		logger.Debug("Block %s of %s missing locally, fetching a replica", key, p)
	}

	if data, ok := g.cache.Get(key); ok {
		g.metrics.RecordBlockRead("cache", len(data))
		return g.pad(data), nil
	}

	data, err := g.fetchBlock(ctx, n, p, ref)
	if err != nil {
		return nil, err
	}

	if n.IsLocal(g.id) && ref.FileVersion == n.Version {
		g.collate(ctx, n, key, ref, data)
	} else {
		g.cache.Add(key, data)
	}
	return g.pad(data), nil
}

// fetchBlock downloads one block version from its location, the
// coordinator, then each replica host, until a copy verifies.
func (g *Gateway) fetchBlock(ctx context.Context, n *fstree.Node, p string, ref manifest.BlockRef) ([]byte, error) {
	bref := replica.BlockRef{
		Volume:       n.Volume,
		FileID:       n.FileID,
		FileVersion:  ref.FileVersion,
		BlockID:      ref.BlockID,
		BlockVersion: ref.Version,
		Hash:         ref.Hash,
	}

	var lastErr error
	for _, host := range g.blockSources(ref.Location, n.Coordinator) {
		data, err := g.transport.DownloadBlock(ctx, host, bref)
		if err == nil {
			err = blockhash.Verify(data, ref.Hash, bref.String())
		}
		if err == nil {
			g.metrics.RecordBlockRead("remote", len(data))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if metadata.HasCode(err, metadata.ErrCorrupted) {
			logger.Warn("Block %s of %s from host %d is corrupted: %v", bref, p, host, err)
		} else {
			logger.Debug("Block %s of %s unavailable from host %d: %v", bref, p, host, err)
		}
		lastErr = err
	}

	if lastErr == nil {
		return nil, metadata.NewError(metadata.ErrRemoteUnavailable, "no host to fetch the block from", p)
	}
	return nil, metadata.Wrap(metadata.ErrRemoteUnavailable, lastErr, "block unavailable")
}

// blockSources lists the block's location, the coordinator and the replica
// hosts, without duplicates and without this gateway.
func (g *Gateway) blockSources(location, coordinator uint64) []uint64 {
	seen := map[uint64]bool{g.id: true, 0: true}
	var hosts []uint64
	for _, h := range append([]uint64{location, coordinator}, g.transport.Replicas()...) {
		if seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

// collate stores a downloaded block of a file this gateway coordinates,
// so later reads are local. Failures are only logged.
func (g *Gateway) collate(ctx context.Context, n *fstree.Node, key storage.BlockKey, ref manifest.BlockRef, data []byte) {
	if err := g.store.CommitBlock(ctx, key, data); err != nil {
		logger.Debug("Collating block %s failed: %v", key, err)
		return
	}
	if ref.Location != g.id {
		n.Manifest.InsertHashed(g.id, ref.FileVersion, ref.BlockID, ref.Version, ref.Hash)
	}
	logger.Debug("Collated block %s of file %d", key, n.FileID)
}

// pad returns a block-sized copy of data.
func (g *Gateway) pad(data []byte) []byte {
	out := make([]byte, g.blockSize)
	copy(out, data)
	return out
}

// ============================================================================
// Write
// ============================================================================

// WriteAt writes p at offset off. Writing past the end of the file first
// expands it with holes. Partial blocks are read, modified and buffered.
//
// Buffered blocks spill to local storage past the buffering limit. A file
// whose write freshness is 0 is committed before WriteAt returns;
// otherwise the commit happens on Fsync or Close.
func (h *Handle) WriteAt(ctx context.Context, p []byte, off int64) (written int, err error) {
	g := h.gw
	start := time.Now()
	defer func() { g.observe("write", start, err) }()

	if err := h.check(true); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, metadata.NewError(metadata.ErrInvalid, "negative offset", h.path)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := h.node
	if err := n.Lock(); err != nil {
		return 0, err
	}
	held := true
	defer func() {
		if held {
			n.Unlock()
		}
	}()

	if err := g.ensureManifest(ctx, n, h.path); err != nil {
		return 0, err
	}
	if off > n.Size {
		g.expand(n, off)
	}

	end := off + int64(len(p))
	for pos := off; pos < end; {
		id := uint64(pos / g.blockSize)
		blockOff := pos % g.blockSize
		c := min(g.blockSize-blockOff, end-pos)

		var buf []byte
		if blockOff == 0 && c == g.blockSize {
			buf = make([]byte, g.blockSize)
		} else if buf, err = g.readBlock(ctx, n, h.path, id); err != nil {
			break
		}
		copy(buf[blockOff:], p[pos-off:pos-off+c])
		n.BufferedBlocks[id] = &fstree.BufferedBlock{Data: buf, Dirty: true}

		pos += c
		written += int(c)
	}

	if written > 0 {
		n.Size = max(n.Size, off+int64(written))
		n.Mtime = g.now()
		n.Changed = n.Mtime
	}
	if err != nil {
		return written, err
	}

	if n.MaxWriteFreshness == 0 {
		err = g.sync.Flush(ctx, n, h.path, false)
		if errors.Is(err, writeback.ErrDestroyed) {
			held = false
		}
		if err != nil {
			return 0, err
		}
	} else if g.buffered(n) > g.maxBuffered {
		logger.Debug("WRITE: spilling %d buffered blocks of %s", g.buffered(n), h.path)
		if err := g.sync.FlushBuffered(ctx, n); err != nil {
			return 0, err
		}
	}
	return written, nil
}

func (g *Gateway) buffered(n *fstree.Node) int {
	count := 0
	for _, b := range n.BufferedBlocks {
		if b.Dirty {
			count++
		}
	}
	return count
}

// expand grows n to size by recording holes for the whole blocks between
// the current end of file and size. The caller holds n exclusively.
func (g *Gateway) expand(n *fstree.Node, size int64) {
	first := uint64((n.Size + g.blockSize - 1) / g.blockSize)
	last := uint64(size / g.blockSize)
	for id := first; id < last; id++ {
		if _, ok := n.BufferedBlocks[id]; ok {
			continue
		}
		if _, ok := n.Manifest.Lookup(id); ok {
			continue
		}
		n.Manifest.InsertHole(n.Version, id)
	}
	n.Size = size
}
