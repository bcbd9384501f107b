package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/internal/ratelimiter"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// Timeout bounds every remote call. Zero means no timeout.
	Timeout time.Duration

	// UploadLimiter throttles replicated block bytes, counted once per
	// replica host. Nil means unlimited.
	UploadLimiter *ratelimiter.Limiter
}

// Router is the in-process Transport. It dispatches to replica hosts and
// peer gateways registered by id; a host id may name either kind.
//
// Thread Safety:
// Safe for concurrent use. Registrations may change while transfers run.
type Router struct {
	mu       sync.RWMutex
	hosts    map[uint64]Host
	peers    map[uint64]Endpoint
	down     map[uint64]bool
	replicas []uint64
	timeout  time.Duration
	upload   *ratelimiter.Limiter
}

// NewRouter creates a router with no hosts.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		hosts:   make(map[uint64]Host),
		peers:   make(map[uint64]Endpoint),
		down:    make(map[uint64]bool),
		timeout: opts.Timeout,
		upload:  opts.UploadLimiter,
	}
}

// AddHost registers a replica host. Replica hosts receive every replicated
// block and manifest, in registration order.
func (r *Router) AddHost(id uint64, h Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[id]; !ok {
		r.replicas = append(r.replicas, id)
	}
	r.hosts[id] = h
}

// AddPeer registers a peer gateway.
func (r *Router) AddPeer(id uint64, e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = e
}

// SetDown marks a host or peer unreachable. Calls to it fail with
// ErrRemoteUnavailable until it is marked up again.
func (r *Router) SetDown(id uint64, down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if down {
		r.down[id] = true
	} else {
		delete(r.down, id)
	}
}

// Replicas implements Transport.
func (r *Router) Replicas() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint64(nil), r.replicas...)
}

func (r *Router) host(id uint64) (Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.down[id] {
		return nil, metadata.Errorf(metadata.ErrRemoteUnavailable, "host %d is unreachable", id)
	}
	h, ok := r.hosts[id]
	if !ok {
		return nil, metadata.Errorf(metadata.ErrRemoteUnavailable, "unknown replica host %d", id)
	}
	return h, nil
}

func (r *Router) peer(id uint64) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.down[id] {
		return nil, metadata.Errorf(metadata.ErrRemoteUnavailable, "gateway %d is unreachable", id)
	}
	e, ok := r.peers[id]
	if !ok {
		return nil, metadata.Errorf(metadata.ErrRemoteUnavailable, "unknown gateway %d", id)
	}
	return e, nil
}

func (r *Router) isPeer(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// remote classifies a transfer failure: domain errors keep their code,
// anything else becomes ErrRemoteUnavailable.
func remote(err error, what string) error {
	if err == nil {
		return nil
	}
	if _, ok := metadata.CodeOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return metadata.Wrap(metadata.ErrRemoteUnavailable, err, what)
}

// ============================================================================
// Downloads
// ============================================================================

// DownloadBlock implements Transport.
func (r *Router) DownloadBlock(ctx context.Context, host uint64, ref BlockRef) ([]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if r.isPeer(host) {
		e, err := r.peer(host)
		if err != nil {
			return nil, err
		}
		data, err := e.ServeBlock(ctx, ref)
		return data, remote(err, "download block from gateway")
	}

	h, err := r.host(host)
	if err != nil {
		return nil, err
	}
	data, err := h.GetBlock(ctx, ref)
	return data, remote(err, "download block from replica")
}

// DownloadManifest implements Transport.
func (r *Router) DownloadManifest(ctx context.Context, host uint64, ref ManifestRef) (*manifest.Message, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var msg *manifest.Message
	if r.isPeer(host) {
		e, err := r.peer(host)
		if err != nil {
			return nil, err
		}
		if msg, err = e.ServeManifest(ctx, ref); err != nil {
			return nil, remote(err, "download manifest from gateway")
		}
	} else {
		h, err := r.host(host)
		if err != nil {
			return nil, err
		}
		if msg, err = h.GetManifest(ctx, ref); err != nil {
			return nil, remote(err, "download manifest from replica")
		}
	}

	// Peers hand out live structures; copy through the wire form
	data, err := msg.Encode()
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "encode manifest")
	}
	out, err := manifest.DecodeMessage(data)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "decode manifest")
	}
	return out, nil
}

// ============================================================================
// Replication
// ============================================================================

// ReplicateBlocks implements Transport.
func (r *Router) ReplicateBlocks(ctx context.Context, blocks []BlockUpload) []*Future {
	replicas := r.Replicas()
	futures := make([]*Future, 0, len(blocks))
	for _, b := range blocks {
		futures = append(futures, Go(ctx, func(ctx context.Context) error {
			if err := r.upload.WaitN(ctx, len(b.Data)*len(replicas)); err != nil {
				return remote(err, "upload throttled")
			}

			ctx, cancel := r.withTimeout(ctx)
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			for _, id := range replicas {
				g.Go(func() error {
					h, err := r.host(id)
					if err != nil {
						return err
					}
					return remote(h.PutBlock(ctx, b.BlockRef, b.Data), "replicate block")
				})
			}
			if err := g.Wait(); err != nil {
				logger.Debug("Replication of block %s failed: %v", b.BlockRef, err)
				return err
			}
			return nil
		}))
	}
	return futures
}

// ReplicateManifest implements Transport.
func (r *Router) ReplicateManifest(ctx context.Context, msg *manifest.Message) *Future {
	replicas := r.Replicas()
	data, err := msg.Encode()
	if err != nil {
		return Completed(metadata.Wrap(metadata.ErrIO, err, "encode manifest"))
	}

	return Go(ctx, func(ctx context.Context) error {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		for _, id := range replicas {
			g.Go(func() error {
				h, err := r.host(id)
				if err != nil {
					return err
				}
				// each host gets its own copy
				copyMsg, err := manifest.DecodeMessage(data)
				if err != nil {
					return err
				}
				return remote(h.PutManifest(ctx, copyMsg), "replicate manifest")
			})
		}
		return g.Wait()
	})
}

// ============================================================================
// Coordinator forwarding
// ============================================================================

// PostWrite implements Transport. The request and the reply are encoded
// as CBOR so the coordinator never shares memory with the sender.
func (r *Router) PostWrite(ctx context.Context, coordinator uint64, msg *WriteMessage) (*WriteMessage, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	e, err := r.peer(coordinator)
	if err != nil {
		return nil, err
	}

	data, err := EncodeWriteMessage(msg)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "encode write request")
	}
	req, err := DecodeWriteMessage(data)
	if err != nil {
		return nil, err
	}

	reply, err := e.HandleWrite(ctx, req)
	if err != nil {
		reply = req.ErrorReply(coordinator, err)
	}

	data, err = EncodeWriteMessage(reply)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "encode write reply")
	}
	out, err := DecodeWriteMessage(data)
	if err != nil {
		return nil, err
	}
	if out.RequestID != msg.RequestID {
		return nil, metadata.Errorf(metadata.ErrRemoteDataInvalid, "reply to request %s answers %s", msg.RequestID, out.RequestID)
	}
	if err := out.AsError(); err != nil {
		return out, err
	}
	return out, nil
}

// ============================================================================
// Deletion
// ============================================================================

// DeleteBlocks implements Transport. Missing blocks are not an error.
func (r *Router) DeleteBlocks(ctx context.Context, refs []BlockRef) error {
	if len(refs) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.Replicas() {
		g.Go(func() error {
			h, err := r.host(id)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if err := h.DeleteBlock(ctx, ref); err != nil && !metadata.IsNotFound(err) {
					return remote(err, "delete block")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// DeleteManifest implements Transport. A missing manifest is not an error.
func (r *Router) DeleteManifest(ctx context.Context, ref ManifestRef) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.Replicas() {
		g.Go(func() error {
			h, err := r.host(id)
			if err != nil {
				return err
			}
			if err := h.DeleteManifest(ctx, ref); err != nil && !metadata.IsNotFound(err) {
				return remote(err, "delete manifest")
			}
			return nil
		})
	}
	return g.Wait()
}
