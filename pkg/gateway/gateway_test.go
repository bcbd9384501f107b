package gateway_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/gateway"
	"github.com/marmos91/wanfs/pkg/gc"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	metamemory "github.com/marmos91/wanfs/pkg/metadata/memory"
	metatesting "github.com/marmos91/wanfs/pkg/metadata/testing"
	"github.com/marmos91/wanfs/pkg/replica"
	replicamemory "github.com/marmos91/wanfs/pkg/replica/memory"
	storagememory "github.com/marmos91/wanfs/pkg/storage/memory"
)

const (
	testVolume  uint64 = 1
	alice       uint64 = 10
	bob         uint64 = 11
	replicaHost uint64 = 100
	blockSize          = 4096
)

var (
	aliceID = metadata.Identity{User: alice, Volume: testVolume}
	bobID   = metadata.Identity{User: bob, Volume: testVolume}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// member is one gateway of a test cluster with its private state.
type member struct {
	gw        *gateway.Gateway
	store     *storagememory.MemoryBlockStore
	router    *replica.Router
	collector *gc.Collector
}

// cluster is a set of gateways sharing a metadata service and a replica
// host. Every gateway reaches the others through its own router.
type cluster struct {
	ctx     context.Context
	clock   *clock
	ns      *metadata.Namespace
	host    *replicamemory.MemoryHost
	members map[uint64]*member
}

type clusterOptions struct {
	writeFreshness metadata.Freshness
	maxBuffered    int
}

func newCluster(t *testing.T, opts clusterOptions, ids ...uint64) *cluster {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	ns, err := metamemory.NewService(ctx, testVolume, metadata.NamespaceOptions{
		RootOwner:             alice,
		RootMode:              0755,
		DefaultReadFreshness:  1000,
		DefaultWriteFreshness: opts.writeFreshness,
		Now:                   clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ns.Close() })

	c := &cluster{ctx: ctx, clock: clk, ns: ns, host: replicamemory.NewMemoryHost(), members: make(map[uint64]*member)}
	for _, id := range ids {
		store := storagememory.NewMemoryBlockStore()
		router := replica.NewRouter(replica.RouterOptions{Timeout: 5 * time.Second})
		router.AddHost(replicaHost, c.host)

		collector, err := gc.NewCollector(store, router, gc.Config{}, nil)
		require.NoError(t, err)

		gw, err := gateway.New(gateway.Options{
			GatewayID:         id,
			Volume:            testVolume,
			RootOwner:         alice,
			RootMode:          0755,
			BlockSize:         blockSize,
			MaxBufferedBlocks: opts.maxBuffered,
			Metadata:          ns,
			Store:             store,
			Transport:         router,
			Garbage:           collector,
			Now:               clk.Now,
		})
		require.NoError(t, err)
		c.members[id] = &member{gw: gw, store: store, router: router, collector: collector}
	}
	for id, m := range c.members {
		for peer, other := range c.members {
			if peer != id {
				m.router.AddPeer(peer, other.gw)
			}
		}
	}
	return c
}

// single is a one-gateway cluster with buffered writes.
func single(t *testing.T) (*cluster, *gateway.Gateway) {
	c := newCluster(t, clusterOptions{writeFreshness: 1000}, 1)
	return c, c.gw(1)
}

func (c *cluster) gw(id uint64) *gateway.Gateway { return c.members[id].gw }

// remote returns the authoritative record at path.
func (c *cluster) remote(t *testing.T, path string) *metadata.Record {
	t.Helper()
	listing, err := c.ns.ResolvePath(c.ctx, testVolume, path, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, listing.Entry, "%s does not exist remotely", path)
	return listing.Entry
}

func writeFile(t *testing.T, g *gateway.Gateway, path string, data []byte) {
	t.Helper()
	ctx := context.Background()
	h, err := g.Open(ctx, aliceID, path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	n, err := h.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, h.Close(ctx))
}

func readFile(t *testing.T, g *gateway.Gateway, path string) []byte {
	t.Helper()
	ctx := context.Background()
	rec, err := g.Stat(ctx, aliceID, path)
	require.NoError(t, err)

	h, err := g.Open(ctx, aliceID, path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Close(ctx)) }()

	buf := make([]byte, rec.Size)
	if len(buf) == 0 {
		return buf
	}
	n, err := h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

// blockRef returns the manifest entry of a block as g currently knows it.
func blockRef(t *testing.T, g *gateway.Gateway, path string, id uint64) manifest.BlockRef {
	t.Helper()
	n, err := g.Tree().Walk(path, fstree.WalkOptions{Identity: metadata.SystemIdentity(testVolume)})
	require.NoError(t, err)
	defer n.RUnlock()
	require.NotNil(t, n.Manifest, "%s has no manifest", path)
	ref, ok := n.Manifest.Lookup(id)
	require.True(t, ok, "block %d of %s", id, path)
	return ref
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := gateway.New(gateway.Options{GatewayID: 1})
	require.Error(t, err)

	_, err = gateway.New(gateway.Options{
		Metadata:  &metadata.Namespace{},
		Store:     storagememory.NewMemoryBlockStore(),
		Transport: replica.NewRouter(replica.RouterOptions{}),
	})
	require.Error(t, err, "gateway id 0 is reserved")
}

func TestCreateWriteRead(t *testing.T) {
	c, g := single(t)
	data := []byte("hello world")

	writeFile(t, g, "/f", data)
	assert.Equal(t, data, readFile(t, g, "/f"))

	rec := c.remote(t, "/f")
	assert.Equal(t, int64(len(data)), rec.Size)
	assert.Equal(t, uint64(1), rec.Coordinator)
	assert.Equal(t, alice, rec.Owner)
	assert.Equal(t, uint32(0644), rec.Mode)
	assert.False(t, rec.ManifestMtime.IsZero())
	assert.Len(t, c.host.Keys("blocks/"), 1)
	assert.Len(t, c.host.Keys("manifests/"), 1)
}

func TestOpenFlags(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	writeFile(t, g, "/f", []byte("x"))
	require.NoError(t, g.Mkdir(ctx, aliceID, "/d", 0755))

	_, err := g.Open(ctx, aliceID, "/missing", os.O_RDONLY, 0)
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)

	_, err = g.Open(ctx, aliceID, "/f", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	metatesting.AssertErrorCode(t, metadata.ErrAlreadyExists, err)

	_, err = g.Open(ctx, aliceID, "/d", os.O_RDONLY, 0)
	metatesting.AssertErrorCode(t, metadata.ErrIsDirectory, err)

	_, err = g.Open(ctx, aliceID, "/f/x", os.O_RDONLY, 0)
	metatesting.AssertErrorCode(t, metadata.ErrNotDirectory, err)

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("y"), 0)
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, err)

	require.NoError(t, h.Close(ctx))
	metatesting.AssertErrorCode(t, metadata.ErrInvalid, h.Close(ctx))
	_, err = h.ReadAt(ctx, make([]byte, 1), 0)
	metatesting.AssertErrorCode(t, metadata.ErrInvalid, err)
}

func TestOpenTruncates(t *testing.T) {
	c, g := single(t)
	writeFile(t, g, "/f", bytes.Repeat([]byte("a"), 2*blockSize))
	writeFile(t, g, "/f", []byte("short"))

	assert.Equal(t, []byte("short"), readFile(t, g, "/f"))
	rec := c.remote(t, "/f")
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, int64(2), rec.Version, "truncating a non-empty file moves it to a new version")
}

func TestPartialBlockWrites(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	writeFile(t, g, "/f", bytes.Repeat([]byte("a"), 2*blockSize))

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("XYZ"), blockSize-1)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	want := bytes.Repeat([]byte("a"), 2*blockSize)
	copy(want[blockSize-1:], "XYZ")
	assert.Equal(t, want, readFile(t, g, "/f"))
}

func TestSparseWriteAndEOF(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx

	h, err := g.Open(ctx, aliceID, "/sparse", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	off := int64(3*blockSize + 5)
	_, err = h.WriteAt(ctx, []byte("z"), off)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := h.ReadAt(ctx, buf, blockSize)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, make([]byte, 10), buf, "holes read as zeros")

	n, err = h.ReadAt(ctx, buf, off)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('z'), buf[0])

	_, err = h.ReadAt(ctx, buf, off+1)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, h.Close(ctx))

	assert.Equal(t, off+1, c.remote(t, "/sparse").Size)
	assert.Len(t, c.host.Keys("blocks/"), 1, "holes are never stored")
}

func TestWriteThroughWithoutWriteFreshness(t *testing.T) {
	c := newCluster(t, clusterOptions{}, 1)
	g := c.gw(1)
	ctx := c.ctx

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("now"), 0)
	require.NoError(t, err)

	assert.Equal(t, int64(3), c.remote(t, "/f").Size, "committed before WriteAt returned")
	require.NoError(t, h.Close(ctx))
}

func TestBufferedBlocksSpill(t *testing.T) {
	c := newCluster(t, clusterOptions{writeFreshness: 1000, maxBuffered: 2}, 1)
	g := c.gw(1)
	ctx := c.ctx

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	for i := range 4 {
		_, err = h.WriteAt(ctx, bytes.Repeat([]byte{byte('a' + i)}, blockSize), int64(i*blockSize))
		require.NoError(t, err)
	}

	keys, err := c.members[1].store.ListBlocks(ctx, h.FileID(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, keys, "blocks past the limit spill to local storage")
	assert.Zero(t, c.remote(t, "/f").Size, "spilling does not publish")
	assert.Empty(t, c.host.Keys("blocks/"))

	require.NoError(t, h.Fsync(ctx))
	assert.Equal(t, int64(4*blockSize), c.remote(t, "/f").Size)
	assert.Len(t, c.host.Keys("blocks/"), 4)
	require.NoError(t, h.Close(ctx))

	got := readFile(t, g, "/f")
	for i := range 4 {
		assert.Equal(t, byte('a'+i), got[i*blockSize])
	}
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	data := bytes.Repeat([]byte("a"), 3*blockSize+100)
	writeFile(t, g, "/f", data)
	fileID := c.remote(t, "/f").FileID
	superseded := blockRef(t, g, "/f", 3)

	size := int64(blockSize + 10)
	require.NoError(t, g.Truncate(ctx, aliceID, "/f", size))

	rec := c.remote(t, "/f")
	assert.Equal(t, size, rec.Size)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, data[:size], readFile(t, g, "/f"))

	// blocks of the old version are collected from the replicas
	_, err := c.members[1].collector.RunNow(ctx)
	require.NoError(t, err)
	old := replica.BlockRef{Volume: testVolume, FileID: fileID, FileVersion: 1, BlockID: 3, BlockVersion: superseded.Version}
	assert.Empty(t, c.host.Keys(replica.BlockObjectKey(old)))
	survivor := blockRef(t, g, "/f", 0)
	assert.Equal(t, int64(2), survivor.FileVersion)
	kept := replica.BlockRef{Volume: testVolume, FileID: fileID, FileVersion: 2, BlockID: 0, BlockVersion: survivor.Version}
	assert.Len(t, c.host.Keys(replica.BlockObjectKey(kept)), 1, "surviving blocks are replicated under the new version")
	assert.Empty(t, c.host.Keys(replica.ManifestPrefix(testVolume, fileID, 1)))

	require.NoError(t, g.Truncate(ctx, aliceID, "/f", 2*blockSize))
	got := readFile(t, g, "/f")
	require.Len(t, got, 2*blockSize)
	assert.Equal(t, data[:size], got[:size])
	assert.Equal(t, make([]byte, 2*blockSize-size), got[size:], "the grown range reads as zeros")

	metatesting.AssertErrorCode(t, metadata.ErrInvalid, g.Truncate(ctx, aliceID, "/f", -1))
	require.NoError(t, g.Mkdir(ctx, aliceID, "/d", 0755))
	metatesting.AssertErrorCode(t, metadata.ErrIsDirectory, g.Truncate(ctx, aliceID, "/d", 0))
}

func TestFailedTruncateKeepsOldVersion(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	data := bytes.Repeat([]byte("a"), 3*blockSize+100)
	writeFile(t, g, "/f", data)
	before := blockRef(t, g, "/f", 0)

	c.members[1].router.SetDown(replicaHost, true)
	err := g.Truncate(ctx, aliceID, "/f", blockSize+10)
	metatesting.AssertErrorCode(t, metadata.ErrIO, err)

	rec := c.remote(t, "/f")
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int64(len(data)), rec.Size)

	local, err := g.Stat(ctx, aliceID, "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(1), local.Version)
	assert.Equal(t, int64(len(data)), local.Size)
	assert.Equal(t, before, blockRef(t, g, "/f", 0))

	// the local blocks are back under the old version
	assert.Equal(t, data, readFile(t, g, "/f"))

	c.members[1].router.SetDown(replicaHost, false)
	require.NoError(t, g.Truncate(ctx, aliceID, "/f", blockSize+10))
	assert.Equal(t, int64(2), c.remote(t, "/f").Version)
	assert.Equal(t, data[:blockSize+10], readFile(t, g, "/f"))
}

func TestHandleTruncateDropsBufferedTail(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Truncate(ctx, 4))
	_, err = h.WriteAt(ctx, []byte("!"), 6)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	assert.Equal(t, []byte("0123\x00\x00!"), readFile(t, g, "/f"))
}

func TestDirectories(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx

	require.NoError(t, g.Mkdir(ctx, aliceID, "/d", 0755))
	metatesting.AssertErrorCode(t, metadata.ErrAlreadyExists, g.Mkdir(ctx, aliceID, "/d", 0755))
	writeFile(t, g, "/d/b", []byte("b"))
	writeFile(t, g, "/d/a", []byte("aa"))
	require.NoError(t, g.Mkdir(ctx, aliceID, "/d/sub", 0700))

	entries, err := g.Readdir(ctx, aliceID, "/d")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, int64(2), entries[0].Size)
	assert.Equal(t, "b", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.Equal(t, metadata.TypeDirectory, entries[2].Type)

	rec, err := g.Stat(ctx, aliceID, "/d/sub")
	require.NoError(t, err)
	assert.True(t, rec.IsDir())
	assert.Equal(t, uint32(0700), rec.Mode)
	assert.Equal(t, c.remote(t, "/d").FileID, rec.ParentID)

	_, err = g.Readdir(ctx, aliceID, "/d/a")
	metatesting.AssertErrorCode(t, metadata.ErrNotDirectory, err)

	metatesting.AssertErrorCode(t, metadata.ErrNotEmpty, g.Rmdir(ctx, aliceID, "/d"))
	metatesting.AssertErrorCode(t, metadata.ErrNotDirectory, g.Rmdir(ctx, aliceID, "/d/a"))
	metatesting.AssertErrorCode(t, metadata.ErrIsDirectory, g.Unlink(ctx, aliceID, "/d/sub"))
	metatesting.AssertErrorCode(t, metadata.ErrInvalid, g.Rmdir(ctx, aliceID, "/"))

	require.NoError(t, g.Unlink(ctx, aliceID, "/d/a"))
	require.NoError(t, g.Unlink(ctx, aliceID, "/d/b"))
	require.NoError(t, g.Rmdir(ctx, aliceID, "/d/sub"))
	require.NoError(t, g.Rmdir(ctx, aliceID, "/d"))

	_, err = g.Stat(ctx, aliceID, "/d")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	entries, err = g.Readdir(ctx, aliceID, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRename(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	require.NoError(t, g.Mkdir(ctx, aliceID, "/a", 0755))
	require.NoError(t, g.Mkdir(ctx, aliceID, "/a/sub", 0755))
	require.NoError(t, g.Mkdir(ctx, aliceID, "/b", 0755))
	writeFile(t, g, "/a/f", []byte("moved"))
	writeFile(t, g, "/b/g", []byte("replaced"))

	require.NoError(t, g.Rename(ctx, aliceID, "/a/f", "/b/g"))
	assert.Equal(t, []byte("moved"), readFile(t, g, "/b/g"))
	_, err := g.Stat(ctx, aliceID, "/a/f")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	assert.Equal(t, "g", c.remote(t, "/b/g").Name)

	metatesting.AssertErrorCode(t, metadata.ErrInvalid, g.Rename(ctx, aliceID, "/a", "/a/sub/x"))
	metatesting.AssertErrorCode(t, metadata.ErrNotEmpty, g.Rename(ctx, aliceID, "/a/sub", "/a"))
	metatesting.AssertErrorCode(t, metadata.ErrNotDirectory, g.Rename(ctx, aliceID, "/a/sub", "/b/g"))
	metatesting.AssertErrorCode(t, metadata.ErrIsDirectory, g.Rename(ctx, aliceID, "/b/g", "/a/sub"))
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, g.Rename(ctx, aliceID, "/a/none", "/b/x"))

	// directories move with their content, across parents
	writeFile(t, g, "/a/sub/inner", []byte("deep"))
	require.NoError(t, g.Rename(ctx, aliceID, "/a/sub", "/b/sub2"))
	assert.Equal(t, []byte("deep"), readFile(t, g, "/b/sub2/inner"))

	entries, err := g.Readdir(ctx, aliceID, "/a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// moving an entry up into an ancestor
	require.NoError(t, g.Rename(ctx, aliceID, "/b/sub2/inner", "/top"))
	assert.Equal(t, []byte("deep"), readFile(t, g, "/top"))
}

func TestUnlinkOpenFile(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx

	h, err := g.Open(ctx, aliceID, "/f", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("still here"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Fsync(ctx))
	require.Len(t, c.host.Keys("blocks/"), 1)

	require.NoError(t, g.Unlink(ctx, aliceID, "/f"))
	_, err = g.Stat(ctx, aliceID, "/f")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)

	buf := make([]byte, 10)
	_, err = h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), buf)

	assert.Zero(t, c.members[1].collector.Pending(), "content lives until the last close")
	require.NoError(t, h.Close(ctx))
	assert.Equal(t, 1, c.members[1].collector.Pending())

	_, err = c.members[1].collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.host.Keys("blocks/"))
	assert.Empty(t, c.host.Keys("manifests/"))
}

func TestPermissions(t *testing.T) {
	c, g := single(t)
	ctx := c.ctx
	writeFile(t, g, "/f", []byte("secret"))

	_, err := g.Open(ctx, bobID, "/new", os.O_RDWR|os.O_CREATE, 0644)
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, err)
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, g.Mkdir(ctx, bobID, "/d", 0755))
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, g.Unlink(ctx, bobID, "/f"))

	_, err = g.Open(ctx, bobID, "/f", os.O_WRONLY, 0)
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, err)
	h, err := g.Open(ctx, bobID, "/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, g.Chmod(ctx, bobID, "/f", 0666))
	require.NoError(t, g.Chmod(ctx, aliceID, "/f", 0600))

	rec, err := g.Stat(ctx, aliceID, "/f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), rec.Mode)
	_, err = g.Open(ctx, bobID, "/f", os.O_RDONLY, 0)
	metatesting.AssertErrorCode(t, metadata.ErrAccessDenied, err)

	// queued until the write freshness deadline
	assert.Equal(t, uint32(0644), c.remote(t, "/f").Mode)
	c.clock.Advance(2 * time.Second)
	assert.Equal(t, uint32(0600), c.remote(t, "/f").Mode)
}

func TestChmodWithoutWriteFreshnessIsImmediate(t *testing.T) {
	c := newCluster(t, clusterOptions{}, 1)
	g := c.gw(1)
	writeFile(t, g, "/f", []byte("x"))

	require.NoError(t, g.Chmod(c.ctx, aliceID, "/f", 0640))
	assert.Equal(t, uint32(0640), c.remote(t, "/f").Mode)
}
