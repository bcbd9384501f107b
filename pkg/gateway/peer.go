package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/storage"
	"github.com/marmos91/wanfs/pkg/writeback"
)

// Gateway is the peer endpoint other gateways reach through their transport.
var _ replica.Endpoint = (*Gateway)(nil)

// ============================================================================
// Forwarding to a coordinator
// ============================================================================

// forward posts msg to the coordinator of n with the node's write nonce.
// reached reports whether the coordinator answered, even with an error.
//
// A stale answer refreshes the write tokens and retries once. When the
// refreshed state names this gateway as coordinator, forward returns
// (nil, false, nil) and the caller applies the change itself.
//
// The caller holds n exclusively.
func (g *Gateway) forward(ctx context.Context, n *fstree.Node, p string, msg *replica.WriteMessage) (*replica.WriteMessage, bool, error) {
	for attempt := 0; ; attempt++ {
		msg.WriteNonce = n.WriteNonce
		reply, err := g.transport.PostWrite(ctx, n.Coordinator, msg)
		if reply == nil {
			return nil, false, err
		}
		if err == nil && reply.Type != replica.WritePromise && reply.Type != replica.WriteAccepted {
			err = metadata.Errorf(metadata.ErrRemoteDataInvalid, "coordinator answered %s to %s", reply.Type, msg.Type)
		}
		if err == nil {
			return reply, true, nil
		}
		if attempt > 0 || !metadata.IsStale(err) {
			return reply, true, err
		}

		logger.Debug("%s of %s refused as stale by coordinator %d, refreshing", msg.Type, p, n.Coordinator)
		if rerr := g.reval.RefreshWriteState(ctx, n, p); rerr != nil {
			return reply, true, rerr
		}
		if n.IsLocal(g.id) {
			return nil, false, nil
		}
		msg.FileVersion = n.Version
	}
}

// checkPeerWrite validates a forwarded request against file n, which this
// gateway must coordinate. The caller holds n exclusively.
func (g *Gateway) checkPeerWrite(n *fstree.Node, msg *replica.WriteMessage) error {
	switch {
	case !n.IsFile() || n.FileID != msg.FileID || n.Volume != msg.Volume:
		return metadata.NewError(metadata.ErrStale, "file was replaced", msg.Path)
	case !n.IsLocal(g.id):
		return metadata.Errorf(metadata.ErrStale, "gateway %d no longer coordinates the file", g.id)
	case n.Version != msg.FileVersion:
		return metadata.Errorf(metadata.ErrStale, "file version is %d, request carries %d", n.Version, msg.FileVersion)
	case n.WriteNonce != msg.WriteNonce:
		return metadata.Errorf(metadata.ErrStale, "write nonce is %d, request carries %d", n.WriteNonce, msg.WriteNonce)
	}
	return nil
}

// ============================================================================
// Serving peers
// ============================================================================

// ServeBlock returns a block from local storage.
func (g *Gateway) ServeBlock(ctx context.Context, ref replica.BlockRef) ([]byte, error) {
	if ref.Volume != g.volume {
		return nil, metadata.Errorf(metadata.ErrNotFound, "volume %d is not served here", ref.Volume)
	}
	key := storage.BlockKey{FileID: ref.FileID, FileVersion: ref.FileVersion, BlockID: ref.BlockID, BlockVersion: ref.BlockVersion}
	data, err := g.store.ReadBlock(ctx, key)
	if errors.Is(err, storage.ErrBlockNotFound) {
		return nil, metadata.NewError(metadata.ErrNotFound, "block not stored here", key.String())
	}
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "reading block "+key.String())
	}
	return data, nil
}

// ServeManifest returns the current manifest of a file this gateway
// coordinates. The requested manifest mtime is ignored: the coordinator
// always answers with its latest.
func (g *Gateway) ServeManifest(ctx context.Context, ref replica.ManifestRef) (*manifest.Message, error) {
	if ref.Volume != g.volume {
		return nil, metadata.Errorf(metadata.ErrNotFound, "volume %d is not served here", ref.Volume)
	}
	if ref.Path == "" {
		return nil, metadata.NewError(metadata.ErrInvalid, "manifest request without a path", "")
	}
	if err := g.refresh(ctx, ref.Path); err != nil {
		return nil, err
	}

	n, err := g.tree.Walk(ref.Path, fstree.WalkOptions{Identity: g.system(), Exclusive: true})
	if err != nil {
		return nil, err
	}
	defer n.Unlock()

	if !n.IsFile() || n.FileID != ref.FileID {
		return nil, metadata.NewError(metadata.ErrNotFound, "file not found", ref.Path)
	}
	if !n.IsLocal(g.id) {
		return nil, metadata.Errorf(metadata.ErrNotFound, "file is coordinated by gateway %d", n.Coordinator)
	}
	if err := g.reval.RevalidateManifest(ctx, n, ref.Path); err != nil {
		return nil, err
	}

	msg := n.Manifest.ToMessage()
	msg.Volume = n.Volume
	msg.FileID = n.FileID
	msg.Coordinator = g.id
	msg.FileVersion = n.Version
	msg.Size = n.Size
	msg.SetMtime(n.Mtime)
	msg.SetManifestMtime(n.ManifestMtime)
	return msg, nil
}

// HandleWrite applies a write forwarded by a gateway that does not
// coordinate the file. Failures are returned as error replies so the
// sender sees the code.
func (g *Gateway) HandleWrite(ctx context.Context, msg *replica.WriteMessage) (*replica.WriteMessage, error) {
	start := time.Now()
	logger.Debug("PEER %s: path=%s file=%d from gateway %d", msg.Type, msg.Path, msg.FileID, msg.Gateway)

	var reply *replica.WriteMessage
	var err error
	switch msg.Type {
	case replica.WriteBlocks, replica.WriteTruncate:
		reply, err = g.handleFileWrite(ctx, msg)
	case replica.WriteRename:
		var nonce int64
		nonce, err = g.rename(ctx, g.system(), msg.Path, msg.NewPath, msg)
		if err == nil {
			reply = msg.Reply(replica.WriteAccepted, g.id)
			reply.WriteNonce = nonce
		}
	case replica.WriteDetach:
		err = g.handleDetach(ctx, msg)
		if err == nil {
			reply = msg.Reply(replica.WriteAccepted, g.id)
		}
	default:
		err = metadata.Errorf(metadata.ErrInvalid, "unexpected %s request", msg.Type)
	}

	g.observe("peer_"+msg.Type.String(), start, err)
	if err != nil {
		logger.Debug("PEER %s of %s refused: %v", msg.Type, msg.Path, err)
		return msg.ErrorReply(g.id, err), nil
	}
	return reply, nil
}

// handleFileWrite pins the file like an open handle and applies forwarded
// blocks or a truncate, then commits as coordinator.
func (g *Gateway) handleFileWrite(ctx context.Context, msg *replica.WriteMessage) (*replica.WriteMessage, error) {
	if err := g.refresh(ctx, msg.Path); err != nil {
		return nil, err
	}
	n, err := g.tree.Walk(msg.Path, fstree.WalkOptions{Identity: g.system(), Exclusive: true})
	if err != nil {
		return nil, err
	}
	if err := g.checkPeerWrite(n, msg); err != nil {
		n.Unlock()
		return nil, err
	}

	n.OpenCount++
	if err := g.ensureManifest(ctx, n, msg.Path); err != nil {
		g.tree.Release(ctx, n)
		n.Unlock()
		return nil, err
	}

	if msg.Type == replica.WriteTruncate {
		err = g.truncateLocal(ctx, n, msg.Path, msg.Size)
	} else {
		err = g.applyBlocks(ctx, n, msg)
	}
	if errors.Is(err, writeback.ErrDestroyed) {
		return nil, err
	}
	defer n.Unlock()
	defer g.tree.Release(ctx, n)
	if err != nil {
		return nil, err
	}

	reply := msg.Reply(replica.WritePromise, g.id)
	reply.WriteNonce = n.WriteNonce
	reply.FileVersion = n.Version
	reply.Size = n.Size
	reply.Mtime = n.Mtime
	return reply, nil
}

// applyBlocks records forwarded block versions in the manifest and commits.
// The sender already replicated the blocks; every superseded version
// becomes garbage.
func (g *Gateway) applyBlocks(ctx context.Context, n *fstree.Node, msg *replica.WriteMessage) error {
	for _, b := range msg.Blocks {
		if b.FileVersion != n.Version {
			return metadata.Errorf(metadata.ErrStale, "block %d carries file version %d, file is at %d", b.BlockID, b.FileVersion, n.Version)
		}
	}

	// Block versions are unordered: the last forwarded write to a block
	// wins, and a block already recorded at the same version is a resend.
	for _, b := range msg.Blocks {
		prior, ok := n.Manifest.Lookup(b.BlockID)
		if ok && prior.FileVersion == b.FileVersion && prior.Version == b.Version {
			continue
		}
		if ok && !prior.IsHole() {
			n.GarbageBlocks.Add(blockInfo(prior))
			delete(n.DirtyBlocks, b.BlockID)
		}
		// a local buffered copy is older than the forwarded version
		delete(n.BufferedBlocks, b.BlockID)
		n.Manifest.InsertHashed(b.Location, b.FileVersion, b.BlockID, b.Version, b.Hash)
	}
	n.Size = max(n.Size, msg.Size)
	if msg.Mtime.After(n.Mtime) {
		n.Mtime = msg.Mtime
	}
	n.Changed = g.now()
	return g.sync.Flush(ctx, n, msg.Path, true)
}

// handleDetach deletes a file on behalf of the gateway that unlinked it.
func (g *Gateway) handleDetach(ctx context.Context, msg *replica.WriteMessage) error {
	dir, name, err := metadata.SplitParent(msg.Path)
	if err != nil {
		return err
	}
	if err := g.reval.Revalidate(ctx, msg.Path); err != nil {
		return err
	}
	parent, err := g.lockParent(dir, g.system())
	if err != nil {
		return err
	}
	defer parent.Unlock()

	child, err := g.lockChild(parent, name, msg.Path)
	if err != nil {
		return err
	}
	defer child.Unlock()

	if err := g.checkPeerWrite(child, msg); err != nil {
		return err
	}
	return g.removeFile(ctx, parent, child, msg.Path, false)
}
