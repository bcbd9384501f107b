package revalidate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	metamemory "github.com/marmos91/wanfs/pkg/metadata/memory"
	metatesting "github.com/marmos91/wanfs/pkg/metadata/testing"
	"github.com/marmos91/wanfs/pkg/replica"
	replicamemory "github.com/marmos91/wanfs/pkg/replica/memory"
	"github.com/marmos91/wanfs/pkg/revalidate"
)

const (
	testVolume  uint64 = 1
	gatewayID   uint64 = 2
	coordinator uint64 = 7
	replicaHost uint64 = 100
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingService counts ResolvePath round trips and can run a hook after
// the authoritative answer was computed, before the caller sees it.
type countingService struct {
	metadata.Service

	mu      sync.Mutex
	calls   int
	afterFn func()
	listing func(*metadata.PathListing) *metadata.PathListing
}

func (s *countingService) ResolvePath(ctx context.Context, volume uint64, path string, last time.Time) (*metadata.PathListing, error) {
	s.mu.Lock()
	s.calls++
	hook, rewrite := s.afterFn, s.listing
	s.mu.Unlock()

	l, err := s.Service.ResolvePath(ctx, volume, path, last)
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook()
	}
	if rewrite != nil {
		l = rewrite(l)
	}
	return l, nil
}

func (s *countingService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type env struct {
	ctx    context.Context
	clock  *clock
	ns     *metadata.Namespace
	svc    *countingService
	tree   *fstree.Tree
	router *replica.Router
	host   *replicamemory.MemoryHost
	engine *revalidate.Engine
}

func newEnv(t *testing.T, readFreshness metadata.Freshness) *env {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	ns, err := metamemory.NewService(ctx, testVolume, metadata.NamespaceOptions{
		RootMode:             0755,
		DefaultReadFreshness: readFreshness,
		Now:                  clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ns.Close() })

	svc := &countingService{Service: ns}
	tree := fstree.NewTree(testVolume, fstree.Options{Now: clk.Now})
	router := replica.NewRouter(replica.RouterOptions{Timeout: time.Second})
	host := replicamemory.NewMemoryHost()
	router.AddHost(replicaHost, host)

	return &env{
		ctx:    ctx,
		clock:  clk,
		ns:     ns,
		svc:    svc,
		tree:   tree,
		router: router,
		host:   host,
		engine: revalidate.NewEngine(tree, svc, router, revalidate.Options{GatewayID: gatewayID}),
	}
}

func (e *env) mkdir(t *testing.T, parent uint64, name string) *metadata.Record {
	t.Helper()
	rec, err := e.ns.Mkdir(e.ctx, &metadata.Record{Type: metadata.TypeDirectory, Name: name, ParentID: parent, Mode: 0755})
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	return rec
}

func (e *env) create(t *testing.T, parent uint64, name string) *metadata.Record {
	t.Helper()
	rec, err := e.ns.Create(e.ctx, &metadata.Record{Type: metadata.TypeFile, Name: name, ParentID: parent, Mode: 0644})
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	return rec
}

// cached resolves path in the tree without any revalidation.
func (e *env) cached(t *testing.T, path string) (*fstree.Node, error) {
	t.Helper()
	n, err := e.tree.Resolve(path, metadata.SystemIdentity(testVolume), false)
	if err != nil {
		return nil, err
	}
	fstree.Unlock(n, false)
	return n, nil
}

func TestRevalidateLoadsPath(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	file := e.create(t, dir.FileID, "f")

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))

	n, err := e.cached(t, "/a/f")
	require.NoError(t, err)
	assert.Equal(t, file.FileID, n.FileID)
	assert.Equal(t, metadata.TypeFile, n.Type)
	assert.True(t, n.Manifest.Stale(), "content is revalidated separately")

	root := e.tree.Root()
	assert.Equal(t, metadata.RootID, root.FileID)
	assert.False(t, root.Listed, "only the terminal directory is listed")
}

func TestRevalidateSkipsFreshPath(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	e.create(t, dir.FileID, "f")

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))
	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))
	assert.Equal(t, 1, e.svc.Calls())

	e.clock.Advance(2 * time.Second)
	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))
	assert.Equal(t, 2, e.svc.Calls(), "expired entries are refetched")
}

func TestRevalidateListingFetchesUnlistedDirectory(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	e.create(t, dir.FileID, "f")
	e.create(t, dir.FileID, "g")

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))
	require.Equal(t, 1, e.svc.Calls())

	require.NoError(t, e.engine.RevalidateListing(e.ctx, "/a"))
	assert.Equal(t, 2, e.svc.Calls())

	a, err := e.cached(t, "/a")
	require.NoError(t, err)
	assert.True(t, a.Listed)
	assert.ElementsMatch(t, []string{"f", "g"}, a.ChildNames())

	require.NoError(t, e.engine.RevalidateListing(e.ctx, "/a"))
	assert.Equal(t, 2, e.svc.Calls(), "a listed fresh directory needs no round trip")
}

func TestLocalCreateAfterQuerySurvives(t *testing.T) {
	e := newEnv(t, 0)
	e.mkdir(t, metadata.RootID, "a")
	require.NoError(t, e.engine.Revalidate(e.ctx, "/a"))

	var localMtime time.Time
	e.svc.afterFn = func() {
		e.clock.Advance(time.Second)
		a, err := e.tree.Walk("/a", fstree.WalkOptions{Identity: metadata.SystemIdentity(testVolume), Exclusive: true})
		require.NoError(t, err)
		now := e.clock.Now()
		child := fstree.NewNode(&metadata.Record{
			Type: metadata.TypeFile, Name: "local", FileID: 99, Volume: testVolume,
			Mode: 0644, Ctime: now, Mtime: now,
		}, now)
		require.NoError(t, e.tree.Attach(a, child))
		localMtime = a.Mtime
		fstree.Unlock(a, true)
	}

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a"))

	n, err := e.cached(t, "/a/local")
	require.NoError(t, err, "a create racing with the fetch must not be dropped")
	assert.Equal(t, uint64(99), n.FileID)

	a, err := e.cached(t, "/a")
	require.NoError(t, err)
	assert.True(t, a.Mtime.Equal(localMtime), "newer local mtime must not regress")
}

func TestLocalWriteAfterQuerySurvives(t *testing.T) {
	e := newEnv(t, 0)
	file := e.create(t, metadata.RootID, "f")
	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))

	file.Size = 100
	_, err := e.ns.Update(e.ctx, file)
	require.NoError(t, err)

	e.svc.afterFn = func() {
		e.svc.afterFn = nil
		e.clock.Advance(time.Second)
		n, err := e.tree.Walk("/f", fstree.WalkOptions{Identity: metadata.SystemIdentity(testVolume), Exclusive: true})
		require.NoError(t, err)
		n.Size = 7
		n.Mtime = e.clock.Now()
		n.Changed = n.Mtime
		fstree.Unlock(n, true)
	}
	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))

	n, err := e.cached(t, "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.Size, "a write racing with the fetch must not be overwritten")
}

func TestInFlightSyncBlocksReload(t *testing.T) {
	e := newEnv(t, 0)
	file := e.create(t, metadata.RootID, "f")
	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))

	n, err := e.tree.Walk("/f", fstree.WalkOptions{Identity: metadata.SystemIdentity(testVolume), Exclusive: true})
	require.NoError(t, err)
	// a sync took the dirty blocks and replicates without the lock
	ticket := n.Queue().Enqueue()
	n.Size = 4096
	fstree.Unlock(n, true)

	file.Size = 100
	_, err = e.ns.Update(e.ctx, file)
	require.NoError(t, err)
	e.clock.Advance(time.Second)

	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))
	n, err = e.cached(t, "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n.Size, "the syncing file keeps its local state")

	n.Queue().Done(ticket)
	e.clock.Advance(time.Second)
	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))
	n, err = e.cached(t, "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(100), n.Size)
}

func TestRemoteDeletionDetaches(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	file := e.create(t, dir.FileID, "f")

	require.NoError(t, e.engine.RevalidateListing(e.ctx, "/a"))
	old, err := e.cached(t, "/a/f")
	require.NoError(t, err)

	require.NoError(t, e.ns.Delete(e.ctx, file))
	e.clock.Advance(2 * time.Second)

	require.NoError(t, e.engine.RevalidateListing(e.ctx, "/a"))
	_, err = e.cached(t, "/a/f")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	assert.Error(t, old.Lock(), "the dropped node is destroyed")

	listing, err := e.ns.ResolvePath(e.ctx, testVolume, "/a", time.Time{})
	require.NoError(t, err)
	a, err := e.cached(t, "/a")
	require.NoError(t, err)
	assert.True(t, a.Mtime.Equal(listing.Entry.Mtime), "parent mtime follows the remote one")
}

func TestRevalidateMissingTerminal(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	file := e.create(t, dir.FileID, "f")
	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"))

	require.NoError(t, e.ns.Delete(e.ctx, file))
	e.clock.Advance(2 * time.Second)

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/f"), "a missing path is not an error")
	_, err := e.cached(t, "/a/f")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)

	require.NoError(t, e.engine.Revalidate(e.ctx, "/nope/deeper"))
}

func TestTypeChangeReplacesSubtree(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	sub := e.mkdir(t, dir.FileID, "x")
	inner := e.create(t, sub.FileID, "inner")

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/x/inner"))
	oldDir, err := e.cached(t, "/a/x")
	require.NoError(t, err)
	oldInner, err := e.cached(t, "/a/x/inner")
	require.NoError(t, err)

	require.NoError(t, e.ns.Delete(e.ctx, inner))
	require.NoError(t, e.ns.Delete(e.ctx, sub))
	file := e.create(t, dir.FileID, "x")
	e.clock.Advance(2 * time.Second)

	require.NoError(t, e.engine.Revalidate(e.ctx, "/a/x"))

	n, err := e.cached(t, "/a/x")
	require.NoError(t, err)
	assert.Equal(t, metadata.TypeFile, n.Type)
	assert.Equal(t, file.FileID, n.FileID)
	assert.Error(t, oldDir.Lock())
	assert.Error(t, oldInner.Lock(), "the replaced directory's subtree is torn down")
}

func TestInvalidListingRejected(t *testing.T) {
	e := newEnv(t, 1000)
	dir := e.mkdir(t, metadata.RootID, "a")
	e.create(t, dir.FileID, "f")

	e.svc.listing = func(l *metadata.PathListing) *metadata.PathListing {
		l.Dirs[1].Type = metadata.TypeFile
		return l
	}
	err := e.engine.Revalidate(e.ctx, "/a/f")
	metatesting.AssertErrorCode(t, metadata.ErrRemoteDataInvalid, err)

	e.svc.listing = func(l *metadata.PathListing) *metadata.PathListing {
		l.Children = append(l.Children, l.Children[0])
		return l
	}
	err = e.engine.Revalidate(e.ctx, "/a")
	metatesting.AssertErrorCode(t, metadata.ErrRemoteDataInvalid, err)

	_, err = e.cached(t, "/a")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
}

// fileNode builds a cached file coordinated by another gateway.
func fileNode(mtime time.Time) *fstree.Node {
	return fstree.NewNode(&metadata.Record{
		Type: metadata.TypeFile, Name: "f", FileID: 42, Volume: testVolume,
		Version: 3, Size: 8192, Mode: 0644, Coordinator: coordinator,
		Mtime: mtime, ManifestMtime: mtime,
	}, mtime)
}

func manifestMessage(mtime time.Time) *manifest.Message {
	m := manifest.New(3)
	m.Insert(coordinator, 3, 0, 1)
	m.Insert(coordinator, 3, 1, 2)
	m.Touch(mtime)
	msg := m.ToMessage()
	msg.Volume = testVolume
	msg.FileID = 42
	msg.Size = 8192
	msg.SetMtime(mtime)
	return msg
}

func TestManifestFallsBackToReplica(t *testing.T) {
	e := newEnv(t, 1000)
	mtime := e.clock.Now()
	require.NoError(t, e.host.PutManifest(e.ctx, manifestMessage(mtime)))

	// the coordinator is not registered: unreachable
	n := fileNode(mtime)
	require.NoError(t, e.engine.RevalidateManifest(e.ctx, n, "/f"))

	assert.False(t, n.Manifest.Stale())
	ref, ok := n.Manifest.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, int64(2), ref.Version)
	assert.Equal(t, int64(8192), n.Size)
}

func TestManifestUnavailable(t *testing.T) {
	e := newEnv(t, 1000)
	n := fileNode(e.clock.Now())

	err := e.engine.RevalidateManifest(e.ctx, n, "/f")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	assert.True(t, n.Manifest.Stale())

	e.router.SetDown(replicaHost, true)
	err = e.engine.RevalidateManifest(e.ctx, n, "/f")
	metatesting.AssertErrorCode(t, metadata.ErrRemoteUnavailable, err)
}

func TestManifestOfLocalOrEmptyFile(t *testing.T) {
	e := newEnv(t, 1000)

	// a coordinator that lost its manifest reloads the replicated copy
	mtime := e.clock.Now()
	require.NoError(t, e.host.PutManifest(e.ctx, manifestMessage(mtime)))
	local := fileNode(mtime)
	local.Coordinator = gatewayID
	require.NoError(t, e.engine.RevalidateManifest(e.ctx, local, "/f"))
	assert.False(t, local.Manifest.Stale())
	assert.Equal(t, uint64(2), local.Manifest.NumBlocks())

	fresh := fileNode(mtime)
	fresh.Coordinator = gatewayID
	fresh.Manifest.MarkFresh()
	require.NoError(t, e.engine.RevalidateManifest(e.ctx, fresh, "/f"))
	assert.Zero(t, fresh.Manifest.NumBlocks())

	empty := fstree.NewNode(&metadata.Record{Type: metadata.TypeFile, Name: "e", FileID: 5, Volume: testVolume, Coordinator: coordinator}, e.clock.Now())
	require.NoError(t, e.engine.RevalidateManifest(e.ctx, empty, "/e"))
	assert.False(t, empty.Manifest.Stale())
	assert.Zero(t, empty.Manifest.NumBlocks())
}

func TestRefreshWriteState(t *testing.T) {
	e := newEnv(t, 1000)
	rec := e.create(t, metadata.RootID, "f")
	require.NoError(t, e.engine.Revalidate(e.ctx, "/f"))

	n, err := e.tree.Walk("/f", fstree.WalkOptions{Identity: metadata.SystemIdentity(testVolume), Exclusive: true})
	require.NoError(t, err)
	defer fstree.Unlock(n, true)

	// another gateway wins a write
	rec.Coordinator = coordinator
	updated, err := e.ns.Update(e.ctx, rec)
	require.NoError(t, err)

	require.NoError(t, e.engine.RefreshWriteState(e.ctx, n, "/f"))
	assert.Equal(t, updated.WriteNonce, n.WriteNonce)
	assert.Equal(t, coordinator, n.Coordinator)

	updated.Version++
	_, err = e.ns.Update(e.ctx, updated)
	require.NoError(t, err)
	err = e.engine.RefreshWriteState(e.ctx, n, "/f")
	metatesting.AssertErrorCode(t, metadata.ErrStale, err)
}
