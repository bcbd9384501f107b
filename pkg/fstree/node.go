package fstree

import (
	"sort"
	"sync"
	"time"
	"weak"

	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
)

// Node is one cached namespace entry: a file, directory or fifo.
//
// Locking:
// The node's reader/writer lock guards every exported field below. Fields
// are read under a shared lock and written under an exclusive lock. The
// child set is additionally guarded by the tree's structural lock, so
// linkage changes go through Tree methods only.
//
// Lock acquisition is lock-then-check: RLock and Lock fail with ErrNotFound
// when the node turned Dead while the caller was waiting, so a goroutine
// that raced with a detach never operates on a destroyed node.
type Node struct {
	mu sync.RWMutex

	Type   metadata.FileType
	Name   string
	FileID uint64

	Version    int64
	WriteNonce int64
	XattrNonce int64

	Owner       uint64
	Coordinator uint64
	Volume      uint64
	Mode        uint32
	Size        int64

	Ctime       time.Time
	Mtime       time.Time
	RefreshTime time.Time

	// Changed is when this gateway last changed the node or its entry.
	// Revalidation keeps local state changed after its query was issued.
	Changed time.Time

	// ManifestMtime names the authoritative manifest of a file
	ManifestMtime time.Time

	MaxReadFreshness  metadata.Freshness
	MaxWriteFreshness metadata.Freshness

	// ReadStale forces the next revalidation regardless of the TTL
	ReadStale bool

	// Listed is set on directories whose child set mirrors an
	// authoritative listing
	Listed bool

	// LinkCount counts namespace references; OpenCount counts live handles.
	// The node is destroyed when both reach zero.
	LinkCount int
	OpenCount int

	// Files only
	Manifest       *manifest.Manifest
	DirtyBlocks    BlockMap
	GarbageBlocks  GarbageMap
	BufferedBlocks map[uint64]*BufferedBlock

	queue SyncQueue

	// xattrs caches attribute values read at XattrNonce
	xattrs map[string][]byte

	// Directories only. ".." is a weak back-reference: the parent owns its
	// children, never the other way around.
	children map[string]*Node
	parent   weak.Pointer[Node]
}

// NewNode creates an unlinked node from an authoritative record.
func NewNode(rec *metadata.Record, now time.Time) *Node {
	n := &Node{}
	n.load(rec, now)
	n.Ctime = rec.Ctime
	switch rec.Type {
	case metadata.TypeDirectory:
		n.children = make(map[string]*Node)
	case metadata.TypeFile:
		n.Manifest = manifest.New(rec.Version)
		n.DirtyBlocks = make(BlockMap)
		n.GarbageBlocks = make(GarbageMap)
		n.BufferedBlocks = make(map[uint64]*BufferedBlock)
	}
	return n
}

// load copies the scalar fields of rec.
func (n *Node) load(rec *metadata.Record, now time.Time) {
	n.Type = rec.Type
	n.Name = rec.Name
	n.FileID = rec.FileID
	n.Version = rec.Version
	n.WriteNonce = rec.WriteNonce
	n.SetXattrNonce(rec.XattrNonce)
	n.Owner = rec.Owner
	n.Coordinator = rec.Coordinator
	n.Volume = rec.Volume
	n.Mode = rec.Mode
	n.Size = rec.Size
	n.Mtime = rec.Mtime
	n.ManifestMtime = rec.ManifestMtime
	n.MaxReadFreshness = rec.MaxReadFreshness
	n.MaxWriteFreshness = rec.MaxWriteFreshness
	n.RefreshTime = now
	n.ReadStale = false
}

// Reload replaces the node's scalar fields with rec. A changed file version,
// mtime or manifest mtime marks the manifest stale. The caller holds n exclusively and
// guarantees rec has the same type.
func (n *Node) Reload(rec *metadata.Record, now time.Time) {
	if n.Type == metadata.TypeFile && n.Manifest != nil {
		if rec.Version != n.Version || !rec.Mtime.Equal(n.Mtime) || !rec.ManifestMtime.Equal(n.ManifestMtime) {
			n.Manifest.MarkStale()
		}
	}
	n.load(rec, now)
	n.Ctime = rec.Ctime
}

// SetXattrNonce records the entry's xattr nonce. A changed nonce drops the
// cached attribute values. The caller holds n exclusively.
func (n *Node) SetXattrNonce(nonce int64) {
	if nonce != n.XattrNonce {
		n.xattrs = nil
	}
	n.XattrNonce = nonce
}

// CachedXattr returns a cached attribute value. The caller holds n.
func (n *Node) CachedXattr(name string) ([]byte, bool) {
	value, ok := n.xattrs[name]
	return value, ok
}

// CacheXattr caches an attribute value read at the current xattr nonce.
// The caller holds n exclusively.
func (n *Node) CacheXattr(name string, value []byte) {
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = value
}

// Record converts the node into a metadata record. The caller holds n.
func (n *Node) Record(parentID uint64, parentName string) *metadata.Record {
	rec := &metadata.Record{
		Type:              n.Type,
		Name:              n.Name,
		FileID:            n.FileID,
		Owner:             n.Owner,
		Coordinator:       n.Coordinator,
		Volume:            n.Volume,
		Mode:              n.Mode,
		Size:              n.Size,
		Version:           n.Version,
		Ctime:             n.Ctime,
		Mtime:             n.Mtime,
		WriteNonce:        n.WriteNonce,
		XattrNonce:        n.XattrNonce,
		MaxReadFreshness:  n.MaxReadFreshness,
		MaxWriteFreshness: n.MaxWriteFreshness,
		ParentID:          parentID,
		ParentName:        parentName,
		ManifestMtime:     n.ManifestMtime,
	}
	return rec
}

// ============================================================================
// Locking
// ============================================================================

// RLock acquires the node's shared lock. It fails with ErrNotFound (and
// holds nothing) if the node is Dead.
func (n *Node) RLock() error {
	n.mu.RLock()
	if n.Type == metadata.TypeDead {
		n.mu.RUnlock()
		return metadata.NewError(metadata.ErrNotFound, "entry was removed", n.Name)
	}
	return nil
}

// Lock acquires the node's exclusive lock. It fails with ErrNotFound (and
// holds nothing) if the node is Dead.
func (n *Node) Lock() error {
	n.mu.Lock()
	if n.Type == metadata.TypeDead {
		n.mu.Unlock()
		return metadata.NewError(metadata.ErrNotFound, "entry was removed", n.Name)
	}
	return nil
}

// RUnlock releases a shared lock.
func (n *Node) RUnlock() { n.mu.RUnlock() }

// Unlock releases an exclusive lock.
func (n *Node) Unlock() { n.mu.Unlock() }

// Downgrade trades an exclusive lock for a shared one. The two steps are
// not atomic; the node may be modified in between and may even die, in
// which case nothing is held on return.
func (n *Node) Downgrade() error {
	n.mu.Unlock()
	return n.RLock()
}

func (n *Node) lock(exclusive bool) error {
	if exclusive {
		return n.Lock()
	}
	return n.RLock()
}

func (n *Node) unlock(exclusive bool) {
	if exclusive {
		n.Unlock()
	} else {
		n.RUnlock()
	}
}

// ============================================================================
// Accessors (caller holds the node)
// ============================================================================

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.Type == metadata.TypeDirectory }

// IsFile reports whether n is a regular file.
func (n *Node) IsFile() bool { return n.Type == metadata.TypeFile }

// IsDead reports whether n has been destroyed.
func (n *Node) IsDead() bool { return n.Type == metadata.TypeDead }

// IsLocal reports whether gatewayID coordinates writes to n.
func (n *Node) IsLocal(gatewayID uint64) bool { return n.Coordinator == gatewayID }

// IsReadStale reports whether n must be revalidated before it is trusted.
func (n *Node) IsReadStale(now time.Time) bool {
	return n.ReadStale || n.MaxReadFreshness.Expired(n.RefreshTime, now)
}

// MarkReadStale forces the next revalidation of n.
func (n *Node) MarkReadStale() { n.ReadStale = true }

// Refreshed records a successful revalidation.
func (n *Node) Refreshed(now time.Time) {
	n.ReadStale = false
	n.RefreshTime = now
}

// Queue returns the node's sync ordering queue. The queue is safe to use
// without holding the node.
func (n *Node) Queue() *SyncQueue { return &n.queue }

// child looks up a directory entry, including "." and "..". The caller
// holds the tree's structural lock.
func (n *Node) child(name string) *Node {
	switch name {
	case ".":
		return n
	case "..":
		if p := n.parent.Value(); p != nil {
			return p
		}
		return nil
	}
	return n.children[name]
}

// NumChildren counts directory entries, excluding "." and "..".
func (n *Node) NumChildren() int { return len(n.children) }

// ChildNames returns the entry names sorted, excluding "." and "..".
func (n *Node) ChildNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExtractDirty moves the dirty block map out of n, leaving an empty one.
func (n *Node) ExtractDirty() BlockMap {
	out := n.DirtyBlocks
	n.DirtyBlocks = make(BlockMap)
	return out
}

// ExtractGarbage moves the garbage block map out of n, leaving an empty one.
func (n *Node) ExtractGarbage() GarbageMap {
	out := n.GarbageBlocks
	n.GarbageBlocks = make(GarbageMap)
	return out
}

// HasPendingWrites reports whether n holds buffered or dirty blocks, or
// has a sync in flight whose blocks left the node with its snapshot.
func (n *Node) HasPendingWrites() bool {
	for _, b := range n.BufferedBlocks {
		if b.Dirty {
			return true
		}
	}
	return len(n.DirtyBlocks) > 0 || n.queue.Len() > 0
}
