package replica_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/internal/ratelimiter"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
	"github.com/marmos91/wanfs/pkg/replica/memory"
)

// stubEndpoint answers forwarded writes with a fixed function.
type stubEndpoint struct {
	blocks   map[uint64][]byte
	manifest *manifest.Message
	handle   func(*replica.WriteMessage) (*replica.WriteMessage, error)
	received []*replica.WriteMessage
}

func (e *stubEndpoint) ServeBlock(_ context.Context, ref replica.BlockRef) ([]byte, error) {
	data, ok := e.blocks[ref.BlockID]
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "no block", ref.String())
	}
	return data, nil
}

func (e *stubEndpoint) ServeManifest(context.Context, replica.ManifestRef) (*manifest.Message, error) {
	if e.manifest == nil {
		return nil, metadata.NewError(metadata.ErrNotFound, "no manifest", "")
	}
	return e.manifest, nil
}

func (e *stubEndpoint) HandleWrite(_ context.Context, msg *replica.WriteMessage) (*replica.WriteMessage, error) {
	e.received = append(e.received, msg)
	return e.handle(msg)
}

func newRouter(t *testing.T) (*replica.Router, *memory.MemoryHost, *memory.MemoryHost) {
	t.Helper()
	r := replica.NewRouter(replica.RouterOptions{Timeout: time.Second})
	a, b := memory.NewMemoryHost(), memory.NewMemoryHost()
	r.AddHost(100, a)
	r.AddHost(101, b)
	return r, a, b
}

func TestRouterReplicatesToEveryHost(t *testing.T) {
	ctx := context.Background()
	r, a, b := newRouter(t)
	assert.Equal(t, []uint64{100, 101}, r.Replicas())

	uploads := []replica.BlockUpload{
		{BlockRef: replica.BlockRef{Volume: 1, FileID: 5, FileVersion: 1, BlockID: 0, BlockVersion: 1}, Data: []byte("zero")},
		{BlockRef: replica.BlockRef{Volume: 1, FileID: 5, FileVersion: 1, BlockID: 1, BlockVersion: 1}, Data: []byte("one")},
	}
	futures := r.ReplicateBlocks(ctx, uploads)
	require.Len(t, futures, 2)
	require.NoError(t, replica.WaitAll(ctx, futures))

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())

	data, err := r.DownloadBlock(ctx, 101, uploads[1].BlockRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	require.NoError(t, r.DeleteBlocks(ctx, []replica.BlockRef{uploads[0].BlockRef, uploads[0].BlockRef}))
	assert.Equal(t, 1, a.Len(), "deleting a missing block is not an error")
}

func TestRouterDownHost(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRouter(t)
	r.SetDown(101, true)

	futures := r.ReplicateBlocks(ctx, []replica.BlockUpload{{BlockRef: replica.BlockRef{FileID: 1}, Data: []byte("x")}})
	err := replica.WaitAll(ctx, futures)
	require.Error(t, err)
	assert.True(t, metadata.IsRemoteUnavailable(err))

	_, err = r.DownloadBlock(ctx, 101, replica.BlockRef{FileID: 1})
	assert.True(t, metadata.IsRemoteUnavailable(err))

	_, err = r.DownloadBlock(ctx, 999, replica.BlockRef{FileID: 1})
	assert.True(t, metadata.IsRemoteUnavailable(err), "unknown hosts are unreachable")

	r.SetDown(101, false)
	_, err = r.DownloadBlock(ctx, 101, replica.BlockRef{FileID: 1})
	assert.True(t, metadata.IsNotFound(err), "the host missed the upload while down")
}

func TestRouterManifests(t *testing.T) {
	ctx := context.Background()
	r, a, _ := newRouter(t)

	m := manifest.New(1)
	m.Insert(7, 1, 0, 3)
	mtime := time.Unix(1700000000, 42)
	m.Touch(mtime)
	msg := m.ToMessage()
	msg.Volume, msg.FileID = 1, 5

	require.NoError(t, r.ReplicateManifest(ctx, msg).Wait(ctx))
	assert.Len(t, a.Keys("manifests/"), 1)

	ref := replica.ManifestRef{Volume: 1, FileID: 5, FileVersion: 1}
	got, err := r.DownloadManifest(ctx, 100, ref)
	require.NoError(t, err)
	assert.True(t, got.ManifestMtime().Equal(mtime))

	peer := &stubEndpoint{manifest: msg}
	r.AddPeer(7, peer)
	got, err = r.DownloadManifest(ctx, 7, ref)
	require.NoError(t, err)
	assert.NotSame(t, msg, got, "peer manifests are copied")

	require.NoError(t, r.DeleteManifest(ctx, ref))
	_, err = r.DownloadManifest(ctx, 100, ref)
	assert.True(t, metadata.IsNotFound(err))
	require.NoError(t, r.DeleteManifest(ctx, ref))
}

func TestRouterPostWrite(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRouter(t)

	peer := &stubEndpoint{handle: func(msg *replica.WriteMessage) (*replica.WriteMessage, error) {
		if msg.WriteNonce != 9 {
			return nil, metadata.NewError(metadata.ErrStale, "write nonce mismatch", msg.Path)
		}
		reply := msg.Reply(replica.WritePromise, 2)
		reply.WriteNonce = 10
		return reply, nil
	}}
	r.AddPeer(2, peer)

	req := replica.NewWriteMessage(replica.WriteBlocks, 1)
	req.Path = "/a"
	req.WriteNonce = 9
	req.Mtime = time.Unix(1700000000, 999)
	req.Blocks = []replica.WriteBlock{{BlockID: 0, Version: 4, FileVersion: 1, Location: 1}}

	reply, err := r.PostWrite(ctx, 2, req)
	require.NoError(t, err)
	assert.Equal(t, replica.WritePromise, reply.Type)
	assert.Equal(t, int64(10), reply.WriteNonce)

	require.Len(t, peer.received, 1)
	assert.NotSame(t, req, peer.received[0])
	assert.True(t, peer.received[0].Mtime.Equal(req.Mtime))
	assert.Equal(t, req.Blocks, peer.received[0].Blocks)

	req.WriteNonce = 3
	_, err = r.PostWrite(ctx, 2, req)
	require.Error(t, err)
	assert.True(t, metadata.IsStale(err))

	r.SetDown(2, true)
	_, err = r.PostWrite(ctx, 2, req)
	assert.True(t, metadata.IsRemoteUnavailable(err))
}

func TestRouterThrottlesUploads(t *testing.T) {
	ctx := context.Background()
	// 20 KB/s with a 1 KB bucket, two hosts
	r := replica.NewRouter(replica.RouterOptions{UploadLimiter: ratelimiter.New(20_000, 1000)})
	a, b := memory.NewMemoryHost(), memory.NewMemoryHost()
	r.AddHost(100, a)
	r.AddHost(101, b)

	upload := replica.BlockUpload{
		BlockRef: replica.BlockRef{Volume: 1, FileID: 5, FileVersion: 1, BlockID: 0, BlockVersion: 1},
		Data:     make([]byte, 2500),
	}
	start := time.Now()
	require.NoError(t, replica.WaitAll(ctx, r.ReplicateBlocks(ctx, []replica.BlockUpload{upload})))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "5000 bytes exceed the bucket")
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}
