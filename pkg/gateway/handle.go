package gateway

import (
	"context"
	"errors"
	"os"
	"path"
	"sync"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/writeback"
)

// Handle is an open file. It holds a counted reference on the file's node:
// the node survives an unlink until the last handle is closed.
//
// Thread Safety:
// Safe for concurrent use; operations serialize on the node lock.
type Handle struct {
	gw    *Gateway
	node  *fstree.Node
	path  string
	flags int
	id    metadata.Identity

	mu     sync.Mutex
	closed bool
}

// Path returns the path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// FileID returns the id of the open file.
func (h *Handle) FileID() uint64 { return h.node.FileID }

func accessMode(flags int) int {
	return flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
}

func readable(flags int) bool { return accessMode(flags) != os.O_WRONLY }

func writable(flags int) bool { return accessMode(flags) != os.O_RDONLY }

// errRetryOpen asks Open to revalidate and try again once
var errRetryOpen = metadata.NewError(metadata.ErrStale, "entry appeared remotely", "")

// Open opens the file at path. flags take the os.O_* values; O_CREATE
// creates a missing file with the permission bits of mode, O_EXCL refuses
// an existing one and O_TRUNC truncates a file opened for writing.
//
// Errors: ErrNotFound, ErrIsDirectory, ErrAlreadyExists, ErrAccessDenied,
// ErrNotSupported (fifos), or any revalidation error.
func (g *Gateway) Open(ctx context.Context, id metadata.Identity, p string, flags int, mode uint32) (h *Handle, err error) {
	start := time.Now()
	defer func() { g.observe("open", start, err) }()

	dir, name, err := metadata.SplitParent(p)
	if err != nil {
		return nil, err
	}
	clean := path.Join(dir, name)
	logger.Debug("OPEN: path=%s flags=%#x mode=%o user=%d", clean, flags, mode, id.User)

	var n *fstree.Node
	var created bool
	for attempt := 0; ; attempt++ {
		if err := g.reval.Revalidate(ctx, clean); err != nil {
			return nil, err
		}
		n, created, err = g.openNode(ctx, id, dir, name, flags, mode)
		if err == nil {
			break
		}
		if errors.Is(err, errRetryOpen) && attempt == 0 {
			logger.Debug("OPEN: %s appeared remotely, revalidating", clean)
			continue
		}
		if errors.Is(err, errRetryOpen) {
			err = metadata.NewError(metadata.ErrAlreadyExists, "entry already exists", clean)
		}
		return nil, err
	}

	// n is held exclusively from here on
	if !created {
		if err := g.ensureManifest(ctx, n, clean); err != nil {
			n.Unlock()
			return nil, err
		}
	}

	n.OpenCount++
	if flags&os.O_TRUNC != 0 && writable(flags) && n.Size > 0 {
		if err := g.truncate(ctx, n, clean, 0); err != nil {
			if !errors.Is(err, writeback.ErrDestroyed) {
				g.tree.Release(ctx, n)
				n.Unlock()
			}
			return nil, err
		}
	}
	n.Unlock()

	logger.Debug("OPEN: path=%s file=%d created=%v size=%d", clean, n.FileID, created, n.Size)
	return &Handle{gw: g, node: n, path: clean, flags: flags, id: id}, nil
}

// openNode finds or creates the file and returns it locked exclusively.
func (g *Gateway) openNode(ctx context.Context, id metadata.Identity, dir, name string, flags int, mode uint32) (*fstree.Node, bool, error) {
	parent, err := g.tree.Walk(dir, fstree.WalkOptions{Identity: id, Exclusive: true})
	if err != nil {
		return nil, false, err
	}
	if !parent.IsDir() {
		parent.Unlock()
		return nil, false, metadata.NewError(metadata.ErrNotDirectory, "parent is not a directory", dir)
	}

	child := g.tree.Lookup(parent, name)
	if child == nil {
		if flags&os.O_CREATE == 0 {
			parent.Unlock()
			return nil, false, metadata.NewError(metadata.ErrNotFound, "no such file", path.Join(dir, name))
		}
		n, err := g.create(ctx, id, parent, name, flags, mode)
		parent.Unlock()
		return n, err == nil, err
	}

	if flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		parent.Unlock()
		return nil, false, metadata.NewError(metadata.ErrAlreadyExists, "file exists", path.Join(dir, name))
	}
	if err := child.Lock(); err != nil {
		parent.Unlock()
		return nil, false, err
	}
	parent.Unlock()

	switch {
	case child.IsDir():
		child.Unlock()
		return nil, false, metadata.NewError(metadata.ErrIsDirectory, "cannot open a directory", path.Join(dir, name))
	case !child.IsFile():
		child.Unlock()
		return nil, false, metadata.Errorf(metadata.ErrNotSupported, "cannot open %s %q", child.Type, name)
	}

	if readable(flags) && !metadata.IsReadable(child.Mode, child.Owner, child.Volume, id) ||
		writable(flags) && !metadata.IsWritable(child.Mode, child.Owner, child.Volume, id) {
		child.Unlock()
		return nil, false, metadata.NewError(metadata.ErrAccessDenied, "permission denied", path.Join(dir, name))
	}
	return child, false, nil
}

// create makes a new file under parent, which is held exclusively, and
// returns it locked exclusively. This gateway becomes its coordinator.
func (g *Gateway) create(ctx context.Context, id metadata.Identity, parent *fstree.Node, name string, flags int, mode uint32) (*fstree.Node, error) {
	if !metadata.IsWritable(parent.Mode, parent.Owner, parent.Volume, id) {
		return nil, metadata.NewError(metadata.ErrAccessDenied, "cannot create in directory", parent.Name)
	}

	stored, err := g.ms.Create(ctx, &metadata.Record{
		Type:        metadata.TypeFile,
		Name:        name,
		Owner:       id.User,
		Coordinator: g.id,
		Volume:      g.volume,
		Mode:        mode & 07777,
		ParentID:    parent.FileID,
		ParentName:  parent.Name,
	})
	if err != nil {
		if metadata.HasCode(err, metadata.ErrAlreadyExists) && flags&os.O_EXCL == 0 {
			parent.MarkReadStale()
			return nil, errRetryOpen
		}
		return nil, err
	}

	n := fstree.NewNode(stored, g.now())
	n.Manifest.MarkFresh()
	if err := n.Lock(); err != nil {
		return nil, err
	}
	if err := g.tree.Attach(parent, n); err != nil {
		n.Unlock()
		return nil, metadata.Wrap(metadata.ErrInconsistent, err, "attaching created file")
	}
	logger.Debug("CREATE: %q under %q file=%d mode=%o", name, parent.Name, stored.FileID, stored.Mode)
	return n, nil
}

// ensureManifest refreshes a stale manifest of a file coordinated
// elsewhere. A file with unreplicated local state keeps its manifest. The
// caller holds n exclusively.
func (g *Gateway) ensureManifest(ctx context.Context, n *fstree.Node, p string) error {
	if n.HasPendingWrites() || len(n.GarbageBlocks) > 0 {
		return nil
	}
	return g.reval.RevalidateManifest(ctx, n, p)
}

// check validates the handle for an operation.
func (h *Handle) check(write bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return metadata.NewError(metadata.ErrInvalid, "handle is closed", h.path)
	}
	if write && !writable(h.flags) {
		return metadata.NewError(metadata.ErrAccessDenied, "handle is not open for writing", h.path)
	}
	if !write && !readable(h.flags) {
		return metadata.NewError(metadata.ErrAccessDenied, "handle is not open for reading", h.path)
	}
	return nil
}

// Fsync commits the handle's file: buffered and dirty blocks are
// replicated and the metadata is published.
func (h *Handle) Fsync(ctx context.Context) (err error) {
	g := h.gw
	start := time.Now()
	defer func() { g.observe("fsync", start, err) }()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return metadata.NewError(metadata.ErrInvalid, "handle is closed", h.path)
	}

	n := h.node
	if err := n.Lock(); err != nil {
		return err
	}
	err = g.sync.Flush(ctx, n, h.path, false)
	if !errors.Is(err, writeback.ErrDestroyed) {
		n.Unlock()
	}
	return err
}

// Close releases the handle. An unlinked file is destroyed with its last
// handle; otherwise pending writes are committed first. The handle is
// released even when the commit fails.
func (h *Handle) Close(ctx context.Context) (err error) {
	g := h.gw
	start := time.Now()
	defer func() { g.observe("close", start, err) }()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return metadata.NewError(metadata.ErrInvalid, "handle already closed", h.path)
	}
	h.closed = true
	h.mu.Unlock()

	n := h.node
	if n.Lock() != nil {
		return nil
	}

	if n.LinkCount > 0 && (n.HasPendingWrites() || len(n.GarbageBlocks) > 0) {
		err = g.sync.Flush(ctx, n, h.path, false)
		if errors.Is(err, writeback.ErrDestroyed) {
			return nil
		}
		if err != nil {
			logger.Warn("CLOSE: commit of %s failed: %v", h.path, err)
		}
	}

	if n.LinkCount == 0 && n.OpenCount == 1 {
		g.reclaim(n)
	}
	if g.tree.Release(ctx, n) {
		logger.Debug("CLOSE: last handle of unlinked %s, file %d destroyed", h.path, n.FileID)
	}
	n.Unlock()
	return err
}
