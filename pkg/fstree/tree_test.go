package fstree

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/metadata"
)

const testVolume uint64 = 1

type recordingEvictor struct {
	mu      sync.Mutex
	evicted []uint64
}

func (e *recordingEvictor) EvictFile(_ context.Context, fileID uint64, _ int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, fileID)
	return nil
}

func (e *recordingEvictor) files() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.evicted...)
}

func newTestTree(t *testing.T) (*Tree, *recordingEvictor) {
	t.Helper()
	ev := &recordingEvictor{}
	now := time.Unix(1000, 0)
	tree := NewTree(testVolume, Options{Evictor: ev, Now: func() time.Time { return now }})
	return tree, ev
}

func newEntry(typ metadata.FileType, name string, id uint64, mode uint32) *Node {
	return NewNode(&metadata.Record{
		Type:              typ,
		Name:              name,
		FileID:            id,
		Owner:             5,
		Volume:            testVolume,
		Mode:              mode,
		MaxReadFreshness:  metadata.NeverExpires,
		MaxWriteFreshness: metadata.NeverExpires,
	}, time.Unix(1000, 0))
}

// attach links child under parent with the parent locked.
func attach(t *testing.T, tree *Tree, parent, child *Node) {
	t.Helper()
	require.NoError(t, parent.Lock())
	defer parent.Unlock()
	require.NoError(t, tree.Attach(parent, child))
}

// buildTree creates /a (dir), /a/b (dir), /a/b/c (file).
func buildTree(t *testing.T, tree *Tree) (a, b, c *Node) {
	t.Helper()
	a = newEntry(metadata.TypeDirectory, "a", 2, 0755)
	b = newEntry(metadata.TypeDirectory, "b", 3, 0755)
	c = newEntry(metadata.TypeFile, "c", 4, 0644)
	attach(t, tree, tree.Root(), a)
	attach(t, tree, a, b)
	attach(t, tree, b, c)
	return a, b, c
}

func TestAttachMaintainsLinkageAndDotDot(t *testing.T) {
	tree, _ := newTestTree(t)
	a, b, c := buildTree(t, tree)

	assert.Equal(t, 1, a.LinkCount)
	assert.Equal(t, 1, b.LinkCount)
	assert.Equal(t, 1, c.LinkCount)

	require.NoError(t, b.RLock())
	assert.Same(t, a, tree.Lookup(b, ".."))
	assert.Same(t, b, tree.Lookup(b, "."))
	assert.Same(t, c, tree.Lookup(b, "c"))
	b.RUnlock()

	root := tree.Root()
	require.NoError(t, root.RLock())
	assert.Same(t, root, tree.Lookup(root, ".."), "root is its own parent")
	root.RUnlock()

	assert.Same(t, a, tree.Parent(b))
	assert.Equal(t, time.Unix(1000, 0), a.Mtime)
	assert.Equal(t, time.Unix(1000, 0), a.Changed)
	assert.Equal(t, time.Unix(1000, 0), b.Changed, "attached entries count as local changes")
}

func TestAttachRejectsDuplicatesAndBadParents(t *testing.T) {
	tree, _ := newTestTree(t)
	_, b, c := buildTree(t, tree)

	require.NoError(t, b.Lock())
	err := tree.Attach(b, newEntry(metadata.TypeFile, "c", 9, 0644))
	b.Unlock()
	metadataCode(t, err, metadata.ErrAlreadyExists)

	require.NoError(t, c.Lock())
	err = tree.Attach(c, newEntry(metadata.TypeFile, "x", 10, 0644))
	c.Unlock()
	metadataCode(t, err, metadata.ErrNotDirectory)
}

func TestDetachNonEmptyDirectoryLeavesTreeUntouched(t *testing.T) {
	tree, _ := newTestTree(t)
	a, b, c := buildTree(t, tree)

	require.NoError(t, a.Lock())
	require.NoError(t, b.Lock())
	destroyed, err := tree.Detach(context.Background(), a, b, true)
	b.Unlock()
	a.Unlock()

	metadataCode(t, err, metadata.ErrNotEmpty)
	assert.False(t, destroyed)
	assert.Equal(t, 1, b.LinkCount)
	assert.False(t, b.IsDead())
	assert.Same(t, b, tree.Children(a)["b"])
	assert.Same(t, c, tree.Children(b)["c"])

	n, err := tree.Resolve("/a/b/c", metadata.SystemIdentity(testVolume), false)
	require.NoError(t, err)
	assert.Same(t, c, n)
	n.RUnlock()
}

func TestDetachDestroysAndEvicts(t *testing.T) {
	tree, ev := newTestTree(t)
	_, b, c := buildTree(t, tree)
	assert.Equal(t, 4, tree.Count())

	require.NoError(t, b.Lock())
	require.NoError(t, c.Lock())
	destroyed, err := tree.Detach(context.Background(), b, c, true)
	c.mu.Unlock()
	b.Unlock()

	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.Equal(t, 3, tree.Count())
	assert.True(t, c.IsDead())
	assert.Equal(t, []uint64{4}, ev.files())

	_, err = tree.Resolve("/a/b/c", metadata.SystemIdentity(testVolume), false)
	metadataCode(t, err, metadata.ErrNotFound)
}

func TestDetachOpenFileSurvivesUntilRelease(t *testing.T) {
	tree, ev := newTestTree(t)
	_, b, c := buildTree(t, tree)
	c.OpenCount = 1

	require.NoError(t, b.Lock())
	require.NoError(t, c.Lock())
	destroyed, err := tree.Detach(context.Background(), b, c, true)
	require.NoError(t, err)
	assert.False(t, destroyed)
	assert.False(t, c.IsDead())
	assert.Equal(t, 0, c.LinkCount)
	b.Unlock()

	_, err = tree.Resolve("/a/b/c", metadata.SystemIdentity(testVolume), false)
	metadataCode(t, err, metadata.ErrNotFound)
	assert.Empty(t, ev.files())

	assert.True(t, tree.Release(context.Background(), c))
	c.mu.Unlock()
	assert.True(t, c.IsDead())
	assert.Equal(t, []uint64{4}, ev.files())
}

func TestMoveRelinksEntry(t *testing.T) {
	tree, _ := newTestTree(t)
	a, b, c := buildTree(t, tree)
	ctime := c.Ctime
	c.Changed = time.Time{}

	require.NoError(t, a.Lock())
	require.NoError(t, b.Lock())
	require.NoError(t, c.Lock())
	require.NoError(t, tree.Move(b, c, a, "moved"))
	c.Unlock()
	b.Unlock()
	a.Unlock()

	assert.Equal(t, "moved", c.Name)
	assert.Equal(t, 1, c.LinkCount)
	assert.Same(t, a, tree.Parent(c))
	assert.Zero(t, b.NumChildren())
	assert.Equal(t, ctime, c.Ctime, "ctime stays the service's value")
	assert.Equal(t, time.Unix(1000, 0), c.Changed)

	n, err := tree.Resolve("/a/moved", metadata.SystemIdentity(testVolume), false)
	require.NoError(t, err)
	assert.Same(t, c, n)
	n.RUnlock()
}

func TestUnlinkSubtreeBreadthFirst(t *testing.T) {
	tree, ev := newTestTree(t)
	a, b, c := buildTree(t, tree)
	d := newEntry(metadata.TypeFile, "d", 5, 0644)
	attach(t, tree, a, d)
	d.OpenCount = 1

	require.NoError(t, a.Lock())
	destroyed := tree.UnlinkSubtree(context.Background(), a)
	a.Unlock()

	assert.Equal(t, 2, destroyed)
	assert.True(t, b.IsDead())
	assert.True(t, c.IsDead())
	assert.False(t, d.IsDead(), "open file survives")
	assert.Equal(t, 0, d.LinkCount)
	assert.Zero(t, a.NumChildren())
	assert.Equal(t, []uint64{4}, ev.files())

	require.NoError(t, d.Lock())
	assert.True(t, tree.Release(context.Background(), d))
	d.mu.Unlock()
	assert.ElementsMatch(t, []uint64{4, 5}, ev.files())
}

func TestResolveErrors(t *testing.T) {
	tree, _ := newTestTree(t)
	a, _, _ := buildTree(t, tree)
	user := metadata.Identity{User: 77, Volume: 99}

	_, err := tree.Resolve("relative/path", user, false)
	metadataCode(t, err, metadata.ErrInvalid)

	_, err = tree.Resolve("/a/missing", user, false)
	metadataCode(t, err, metadata.ErrNotFound)

	_, err = tree.Resolve("/a/b/c/d", user, false)
	metadataCode(t, err, metadata.ErrNotDirectory)

	require.NoError(t, a.Lock())
	a.Mode = 0700
	a.Unlock()

	_, err = tree.Resolve("/a/b", user, false)
	metadataCode(t, err, metadata.ErrAccessDenied)

	owner := metadata.Identity{User: 5, Volume: 99}
	n, err := tree.Resolve("/a/b", owner, false)
	require.NoError(t, err)
	n.RUnlock()
}

func TestResolveChecksFinalAccess(t *testing.T) {
	tree, _ := newTestTree(t)
	_, _, c := buildTree(t, tree)
	require.NoError(t, c.Lock())
	c.Mode = 0600
	c.Unlock()

	stranger := metadata.Identity{User: 77, Volume: 99}
	_, err := tree.Resolve("/a/b/c", stranger, false)
	metadataCode(t, err, metadata.ErrAccessDenied)

	sameVolume := metadata.Identity{User: 77, Volume: testVolume}
	_, err = tree.Walk("/a/b/c", WalkOptions{Identity: sameVolume, Access: AccessWrite})
	metadataCode(t, err, metadata.ErrAccessDenied)
}

func TestWalkDowngradesExclusivePath(t *testing.T) {
	tree, _ := newTestTree(t)
	_, b, c := buildTree(t, tree)

	var visited []string
	n, err := tree.Walk("/a/b/c", WalkOptions{
		Identity:      metadata.SystemIdentity(testVolume),
		ExclusivePath: true,
		Visit: func(parent, n *Node, name string) error {
			visited = append(visited, name)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Same(t, c, n)
	assert.Equal(t, []string{"/", "a", "b", "c"}, visited)

	assert.False(t, c.mu.TryLock(), "final node still held")
	require.True(t, c.mu.TryRLock(), "final node held shared")
	c.mu.RUnlock()
	c.RUnlock()

	require.True(t, b.mu.TryLock(), "intermediate nodes released")
	b.mu.Unlock()
}

func TestWalkEnterAttachesMissingEntries(t *testing.T) {
	tree, _ := newTestTree(t)
	id := uint64(100)

	n, err := tree.Walk("/x/y", WalkOptions{
		Identity:      metadata.SystemIdentity(testVolume),
		ExclusivePath: true,
		Exclusive:     true,
		Enter: func(parent *Node, name string, child *Node) (*Node, error) {
			if child != nil {
				return child, nil
			}
			id++
			typ := metadata.TypeDirectory
			if name == "y" {
				typ = metadata.TypeFile
			}
			child = newEntry(typ, name, id, 0755)
			if err := tree.Graft(parent, child); err != nil {
				return nil, err
			}
			return child, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "y", n.Name)
	assert.True(t, n.IsFile())
	n.Unlock()

	assert.True(t, tree.Root().Mtime.IsZero(), "graft leaves parent mtime alone")
	assert.True(t, n.Changed.IsZero(), "grafted entries are not local changes")
}

func TestVisitErrorReleasesLocks(t *testing.T) {
	tree, _ := newTestTree(t)
	a, b, _ := buildTree(t, tree)
	boom := fmt.Errorf("boom")

	_, err := tree.Walk("/a/b/c", WalkOptions{
		Identity: metadata.SystemIdentity(testVolume),
		Visit: func(parent, n *Node, name string) error {
			if name == "b" {
				return boom
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, boom)

	for _, n := range []*Node{tree.Root(), a, b} {
		require.True(t, n.mu.TryLock(), "%s must be unlocked", n.Name)
		n.mu.Unlock()
	}
}

func TestResolverRacingDestructionSeesNotFound(t *testing.T) {
	tree, _ := newTestTree(t)
	_, _, c := buildTree(t, tree)

	require.NoError(t, c.Lock())

	result := make(chan error, 1)
	go func() {
		n, err := tree.Resolve("/a/b/c", metadata.SystemIdentity(testVolume), false)
		if err == nil {
			n.RUnlock()
		}
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tree.destroy(context.Background(), c, false)
	c.mu.Unlock()

	metadataCode(t, <-result, metadata.ErrNotFound)
}

func TestResolverSkipsUnlinkedNode(t *testing.T) {
	tree, _ := newTestTree(t)
	_, _, c := buildTree(t, tree)

	require.NoError(t, c.Lock())
	c.LinkCount = 0
	c.OpenCount = 1
	c.Unlock()

	_, err := tree.Resolve("/a/b/c", metadata.SystemIdentity(testVolume), false)
	metadataCode(t, err, metadata.ErrNotFound)
}

// Concurrent resolvers never return a dead or unlinked node while files
// are created and removed underneath them.
func TestConcurrentResolveAndDetach(t *testing.T) {
	tree, _ := newTestTree(t)
	_, b, _ := buildTree(t, tree)
	ctx := context.Background()
	id := metadata.SystemIdentity(testVolume)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n, err := tree.Resolve("/a/b/tmp", id, false)
				if err != nil {
					continue
				}
				if n.IsDead() || n.LinkCount == 0 {
					t.Errorf("resolved a removed node")
				}
				n.RUnlock()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		f := newEntry(metadata.TypeFile, "tmp", uint64(1000+i), 0644)
		require.NoError(t, b.Lock())
		require.NoError(t, tree.Attach(b, f))
		b.Unlock()

		require.NoError(t, b.Lock())
		require.NoError(t, f.Lock())
		_, err := tree.Detach(ctx, b, f, false)
		require.NoError(t, err)
		f.mu.Unlock()
		b.Unlock()
	}
	close(stop)
	wg.Wait()
}

func TestNodeReloadMarksManifestStale(t *testing.T) {
	n := newEntry(metadata.TypeFile, "f", 7, 0644)
	n.Manifest.MarkFresh()

	rec := n.Record(2, "dir")
	assert.Equal(t, uint64(2), rec.ParentID)

	rec.Mode = 0600
	n.Reload(rec, time.Unix(2000, 0))
	assert.False(t, n.Manifest.Stale(), "unchanged content keeps the manifest")
	assert.Equal(t, uint32(0600), n.Mode)

	rec.Version = 2
	n.Reload(rec, time.Unix(2001, 0))
	assert.True(t, n.Manifest.Stale())
	assert.Equal(t, time.Unix(2001, 0), n.RefreshTime)
}

func TestNodeXattrCacheFollowsNonce(t *testing.T) {
	n := newEntry(metadata.TypeFile, "f", 7, 0644)
	n.CacheXattr("user.color", []byte("blue"))

	rec := n.Record(2, "dir")
	rec.Mode = 0600
	n.Reload(rec, time.Unix(2000, 0))
	value, ok := n.CachedXattr("user.color")
	require.True(t, ok, "an unchanged xattr nonce keeps the cache")
	assert.Equal(t, []byte("blue"), value)

	rec.XattrNonce++
	n.Reload(rec, time.Unix(2001, 0))
	_, ok = n.CachedXattr("user.color")
	assert.False(t, ok)
}

func TestNodeReadStaleness(t *testing.T) {
	n := newEntry(metadata.TypeFile, "f", 7, 0644)
	now := time.Unix(1000, 0)

	n.MaxReadFreshness = metadata.NeverExpires
	assert.False(t, n.IsReadStale(now.Add(time.Hour)))

	n.MaxReadFreshness = 0
	assert.True(t, n.IsReadStale(now))

	n.MaxReadFreshness = 500
	n.Refreshed(now)
	assert.False(t, n.IsReadStale(now.Add(499*time.Millisecond)))
	assert.True(t, n.IsReadStale(now.Add(500*time.Millisecond)))

	n.MaxReadFreshness = metadata.NeverExpires
	n.MarkReadStale()
	assert.True(t, n.IsReadStale(now))
}

func TestExtractMovesBlockMaps(t *testing.T) {
	n := newEntry(metadata.TypeFile, "f", 7, 0644)
	n.DirtyBlocks[3] = BlockInfo{BlockID: 3, Version: 9}
	n.GarbageBlocks.Add(BlockInfo{BlockID: 3, Version: 8})
	n.GarbageBlocks.Add(BlockInfo{BlockID: 3, Version: 7})
	assert.True(t, n.HasPendingWrites())

	dirty := n.ExtractDirty()
	garbage := n.ExtractGarbage()

	assert.Len(t, dirty, 1)
	assert.Len(t, garbage, 2)
	assert.Empty(t, n.DirtyBlocks)
	assert.Empty(t, n.GarbageBlocks)
	assert.False(t, n.HasPendingWrites())
	assert.Equal(t, int64(7), garbage.Sorted()[0].Version)

	// the extracted blocks are in flight until the sync leaves the queue
	ticket := n.Queue().Enqueue()
	assert.True(t, n.HasPendingWrites())
	n.Queue().Done(ticket)
	assert.False(t, n.HasPendingWrites())
}

func metadataCode(t *testing.T, err error, code metadata.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	got, ok := metadata.CodeOf(err)
	require.True(t, ok, "not a metadata error: %v", err)
	assert.Equal(t, code, got, "error: %v", err)
}
