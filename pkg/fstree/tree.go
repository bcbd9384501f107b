package fstree

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/metadata"
)

// Evictor removes the locally stored content of a destroyed file.
type Evictor interface {
	EvictFile(ctx context.Context, fileID uint64, version int64) error
}

// Options configures a Tree.
type Options struct {
	// RootOwner and RootMode seed the root until its first revalidation
	RootOwner uint64
	RootMode  uint32

	// Evictor receives destroyed files when content removal is requested.
	// May be nil.
	Evictor Evictor

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Tree is the rooted cache of namespace entries of one volume.
//
// Lock ordering:
//  1. node locks, ancestors before descendants; unrelated nodes (renames)
//     in increasing depth, ties broken by name
//  2. the structural lock, held only while a child set is read or changed
//
// The structural lock is always the innermost lock. It keeps resolvers
// holding only a shared lock on a directory from observing a child set in
// the middle of an update.
type Tree struct {
	mu       sync.RWMutex
	renameMu sync.Mutex

	root    *Node
	volume  uint64
	evictor Evictor
	now     func() time.Time
}

// NewTree creates a tree holding only a stale root directory.
func NewTree(volume uint64, opts Options) *Tree {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mode := opts.RootMode
	if mode == 0 {
		mode = 0755
	}

	root := NewNode(&metadata.Record{
		Type:   metadata.TypeDirectory,
		Name:   "/",
		Owner:  opts.RootOwner,
		Volume: volume,
		Mode:   mode,
	}, time.Time{})
	root.LinkCount = 1
	root.ReadStale = true
	root.parent = weak.Make(root)

	return &Tree{
		root:    root,
		volume:  volume,
		evictor: opts.Evictor,
		now:     now,
	}
}

// Root returns the root directory. The root is never destroyed.
func (t *Tree) Root() *Node { return t.root }

// Volume returns the volume the tree caches.
func (t *Tree) Volume() uint64 { return t.volume }

// Now returns the tree's notion of the current time.
func (t *Tree) Now() time.Time { return t.now() }

// LockRename serializes namespace operations that lock two unrelated
// directories at once.
func (t *Tree) LockRename() { t.renameMu.Lock() }

// UnlockRename releases LockRename.
func (t *Tree) UnlockRename() { t.renameMu.Unlock() }

// Lookup returns the entry name of dir, or nil. "." and ".." are resolved.
// The caller holds dir, shared or exclusive.
func (t *Tree) Lookup(dir *Node, name string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return dir.child(name)
}

// Children returns a snapshot of dir's entries, keyed by name.
// The caller holds dir.
func (t *Tree) Children(dir *Node) map[string]*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*Node, len(dir.children))
	for name, c := range dir.children {
		out[name] = c
	}
	return out
}

// Count returns the number of entries linked into the tree, root included.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	pending := []*Node{t.root}
	for len(pending) > 0 {
		n := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		count++
		for _, c := range n.children {
			pending = append(pending, c)
		}
	}
	return count
}

// Parent returns the directory n is linked under. The root is its own
// parent. Unlinked nodes return nil.
func (t *Tree) Parent(n *Node) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n.LinkCount == 0 && n != t.root {
		return nil
	}
	return n.parent.Value()
}

// ============================================================================
// Tree surgery
// ============================================================================

// Attach links child into parent under child.Name, increments the child's
// link count and updates the parent's mtime. Both count as changed locally.
//
// The caller holds parent exclusively and either holds child exclusively or
// owns it because it is not reachable yet.
func (t *Tree) Attach(parent, child *Node) error {
	if err := t.link(parent, child); err != nil {
		return err
	}
	now := t.now()
	parent.Mtime = now
	parent.Changed = now
	child.Changed = now
	return nil
}

// Graft is Attach without the mtime and local change updates. It mirrors
// entries that already exist remotely, where the authoritative mtime is
// loaded separately.
func (t *Tree) Graft(parent, child *Node) error {
	return t.link(parent, child)
}

func (t *Tree) link(parent, child *Node) error {
	if !parent.IsDir() {
		return metadata.NewError(metadata.ErrNotDirectory, "parent is not a directory", parent.Name)
	}
	if !metadata.ValidName(child.Name) {
		return metadata.NewError(metadata.ErrInvalid, "invalid entry name", child.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := parent.children[child.Name]; ok {
		return metadata.NewError(metadata.ErrAlreadyExists, "entry already exists", child.Name)
	}
	parent.children[child.Name] = child
	child.parent = weak.Make(parent)
	child.LinkCount++
	return nil
}

// Detach unlinks child from parent and decrements its link count. A
// directory that still has entries is refused with ErrNotEmpty and the tree
// is left untouched.
//
// When both the link count and the open count reach zero the child is
// destroyed; removeContent additionally evicts its stored content. The
// returned flag reports destruction. An unlinked child that is still open
// stays alive, unreachable, until Release drops the last handle.
//
// The caller holds parent and child exclusively.
func (t *Tree) Detach(ctx context.Context, parent, child *Node, removeContent bool) (bool, error) {
	if child == t.root {
		return false, metadata.NewError(metadata.ErrInvalid, "cannot detach the root", "/")
	}

	t.mu.Lock()
	if child.IsDir() && len(child.children) > 0 {
		t.mu.Unlock()
		return false, metadata.NewError(metadata.ErrNotEmpty, "directory not empty", child.Name)
	}
	if parent.children[child.Name] != child {
		t.mu.Unlock()
		return false, metadata.NewError(metadata.ErrNotFound, "entry is not linked under parent", child.Name)
	}
	delete(parent.children, child.Name)
	t.mu.Unlock()

	child.LinkCount--
	now := t.now()
	parent.Mtime = now
	parent.Changed = now

	if child.LinkCount > 0 || child.OpenCount > 0 {
		return false, nil
	}
	t.destroy(ctx, child, removeContent)
	return true, nil
}

// Move relinks child from oldParent to newParent under newName. The target
// name must be free. Link counts are unchanged and nothing is destroyed.
//
// The caller holds oldParent, newParent and child exclusively (oldParent and
// newParent may be the same node).
func (t *Tree) Move(oldParent, child, newParent *Node, newName string) error {
	if !newParent.IsDir() {
		return metadata.NewError(metadata.ErrNotDirectory, "target parent is not a directory", newParent.Name)
	}
	if !metadata.ValidName(newName) {
		return metadata.NewError(metadata.ErrInvalid, "invalid entry name", newName)
	}

	t.mu.Lock()
	if oldParent.children[child.Name] != child {
		t.mu.Unlock()
		return metadata.NewError(metadata.ErrNotFound, "entry is not linked under parent", child.Name)
	}
	if existing, ok := newParent.children[newName]; ok && existing != child {
		t.mu.Unlock()
		return metadata.NewError(metadata.ErrAlreadyExists, "target entry exists", newName)
	}
	delete(oldParent.children, child.Name)
	child.Name = newName
	newParent.children[newName] = child
	child.parent = weak.Make(newParent)
	t.mu.Unlock()

	now := t.now()
	oldParent.Mtime = now
	newParent.Mtime = now
	oldParent.Changed = now
	newParent.Changed = now
	child.Changed = now
	return nil
}

// Release drops one open handle on n. If n was unlinked and this was the
// last handle, n is destroyed together with its stored content.
//
// The caller holds n exclusively.
func (t *Tree) Release(ctx context.Context, n *Node) bool {
	if n.OpenCount > 0 {
		n.OpenCount--
	}
	if n.OpenCount > 0 || n.LinkCount > 0 {
		return false
	}
	t.destroy(ctx, n, true)
	return true
}

// UnlinkSubtree tears down every entry below dir, breadth first. Each node
// is locked exclusively before it is unlinked, so a resolver already inside
// the subtree finishes its step first and then observes ErrNotFound.
// Entries that are still open survive, unreachable, until released.
//
// The caller holds dir exclusively. dir itself stays linked.
func (t *Tree) UnlinkSubtree(ctx context.Context, dir *Node) int {
	t.mu.Lock()
	pending := make([]*Node, 0, len(dir.children))
	for _, c := range dir.children {
		pending = append(pending, c)
	}
	dir.children = make(map[string]*Node)
	t.mu.Unlock()

	destroyed := 0
	for len(pending) > 0 {
		n := pending[0]
		pending = pending[1:]

		n.mu.Lock()
		if n.IsDead() {
			n.mu.Unlock()
			continue
		}
		if n.IsDir() {
			t.mu.Lock()
			for _, c := range n.children {
				pending = append(pending, c)
			}
			n.children = make(map[string]*Node)
			t.mu.Unlock()
		}
		n.LinkCount--
		if n.LinkCount <= 0 && n.OpenCount == 0 {
			t.destroy(ctx, n, true)
			destroyed++
		}
		n.mu.Unlock()
	}

	if destroyed > 0 {
		logger.Debug("Unlinked subtree of %q: %d entries destroyed", dir.Name, destroyed)
	}
	return destroyed
}

// destroy marks n Dead and drops its content state. Lockers blocked on n
// observe ErrNotFound once they acquire the lock. The caller holds n
// exclusively.
func (t *Tree) destroy(ctx context.Context, n *Node, removeContent bool) {
	fileID, version, isFile := n.FileID, n.Version, n.IsFile()

	n.Type = metadata.TypeDead
	n.LinkCount = 0
	n.Manifest = nil
	n.DirtyBlocks = nil
	n.GarbageBlocks = nil
	n.BufferedBlocks = nil

	if !removeContent || !isFile || t.evictor == nil || fileID == 0 {
		return
	}
	if err := t.evictor.EvictFile(ctx, fileID, version); err != nil {
		logger.Warn("Failed to evict content of file %d.%d: %v", fileID, version, err)
	}
}
