package gateway

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/gc"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name   string
	FileID uint64
	Type   metadata.FileType
	Mode   uint32
	Size   int64
}

// ============================================================================
// Directories
// ============================================================================

// Mkdir creates a directory.
func (g *Gateway) Mkdir(ctx context.Context, id metadata.Identity, p string, mode uint32) (err error) {
	start := time.Now()
	defer func() { g.observe("mkdir", start, err) }()

	dir, name, err := metadata.SplitParent(p)
	if err != nil {
		return err
	}
	logger.Debug("MKDIR: path=%s mode=%o user=%d", path.Join(dir, name), mode, id.User)

	if err := g.reval.Revalidate(ctx, path.Join(dir, name)); err != nil {
		return err
	}
	parent, err := g.lockParent(dir, id)
	if err != nil {
		return err
	}
	defer parent.Unlock()

	if g.tree.Lookup(parent, name) != nil {
		return metadata.NewError(metadata.ErrAlreadyExists, "entry exists", path.Join(dir, name))
	}

	stored, err := g.ms.Mkdir(ctx, &metadata.Record{
		Type:       metadata.TypeDirectory,
		Name:       name,
		Owner:      id.User,
		Volume:     g.volume,
		Mode:       mode & 07777,
		ParentID:   parent.FileID,
		ParentName: parent.Name,
	})
	if err != nil {
		if metadata.HasCode(err, metadata.ErrAlreadyExists) {
			parent.MarkReadStale()
		}
		return err
	}

	n := fstree.NewNode(stored, g.now())
	n.Listed = true
	if err := g.tree.Attach(parent, n); err != nil {
		return metadata.Wrap(metadata.ErrInconsistent, err, "attaching created directory")
	}
	return nil
}

// Rmdir removes an empty directory.
func (g *Gateway) Rmdir(ctx context.Context, id metadata.Identity, p string) (err error) {
	start := time.Now()
	defer func() { g.observe("rmdir", start, err) }()

	dir, name, err := metadata.SplitParent(p)
	if err != nil {
		return err
	}
	clean := path.Join(dir, name)
	logger.Debug("RMDIR: path=%s user=%d", clean, id.User)

	// the child set must be complete to judge emptiness
	if err := g.reval.RevalidateListing(ctx, clean); err != nil {
		return err
	}
	parent, err := g.lockParent(dir, id)
	if err != nil {
		return err
	}
	defer parent.Unlock()

	child, err := g.lockChild(parent, name, clean)
	if err != nil {
		return err
	}
	defer child.Unlock()

	if !child.IsDir() {
		return metadata.NewError(metadata.ErrNotDirectory, "not a directory", clean)
	}
	if child.NumChildren() > 0 {
		return metadata.NewError(metadata.ErrNotEmpty, "directory not empty", clean)
	}

	if err := g.ms.Delete(ctx, child.Record(parent.FileID, parent.Name)); err != nil {
		if metadata.HasCode(err, metadata.ErrNotEmpty) {
			child.MarkReadStale()
		}
		return err
	}
	_, err = g.tree.Detach(ctx, parent, child, true)
	return err
}

// Readdir lists a directory, sorted by name.
func (g *Gateway) Readdir(ctx context.Context, id metadata.Identity, p string) (entries []DirEntry, err error) {
	start := time.Now()
	defer func() { g.observe("readdir", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := g.reval.RevalidateListing(ctx, clean); err != nil {
		return nil, err
	}

	dir, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Access: fstree.AccessRead})
	if err != nil {
		return nil, err
	}
	defer dir.RUnlock()
	if !dir.IsDir() {
		return nil, metadata.NewError(metadata.ErrNotDirectory, "not a directory", clean)
	}

	for name, child := range g.tree.Children(dir) {
		if child.RLock() != nil {
			continue
		}
		entries = append(entries, DirEntry{
			Name:   name,
			FileID: child.FileID,
			Type:   child.Type,
			Mode:   child.Mode,
			Size:   child.Size,
		})
		child.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat returns the attributes of the entry at path.
func (g *Gateway) Stat(ctx context.Context, id metadata.Identity, p string) (rec *metadata.Record, err error) {
	start := time.Now()
	defer func() { g.observe("stat", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := g.refresh(ctx, clean); err != nil {
		return nil, err
	}

	var parentID uint64
	var parentName string
	n, err := g.tree.Walk(clean, fstree.WalkOptions{
		Identity: id,
		Visit: func(parent, _ *fstree.Node, _ string) error {
			if parent != nil {
				parentID, parentName = parent.FileID, parent.Name
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	defer n.RUnlock()
	return n.Record(parentID, parentName), nil
}

// Chmod changes the permission bits of an entry. Only the owner may do so.
// The change is queued to the metadata service with a deadline of the
// entry's write freshness; a freshness of 0 applies it immediately.
func (g *Gateway) Chmod(ctx context.Context, id metadata.Identity, p string, mode uint32) (err error) {
	start := time.Now()
	defer func() { g.observe("chmod", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return err
	}
	if err := g.reval.Revalidate(ctx, clean); err != nil {
		return err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Exclusive: true})
	if err != nil {
		return err
	}
	defer n.Unlock()

	if id.User != metadata.SystemUser && id.User != n.Owner {
		return metadata.NewError(metadata.ErrAccessDenied, "only the owner may change permissions", clean)
	}

	previous := n.Mode
	n.Mode = mode & 07777
	return g.queueAttrs(ctx, n, clean, n.MaxWriteFreshness, func() { n.Mode = previous })
}

// ============================================================================
// Unlink
// ============================================================================

// Unlink removes a file. An open file stays readable through its handles
// until the last one is closed.
func (g *Gateway) Unlink(ctx context.Context, id metadata.Identity, p string) (err error) {
	start := time.Now()
	defer func() { g.observe("unlink", start, err) }()

	dir, name, err := metadata.SplitParent(p)
	if err != nil {
		return err
	}
	clean := path.Join(dir, name)
	logger.Debug("UNLINK: path=%s user=%d", clean, id.User)

	if err := g.reval.Revalidate(ctx, clean); err != nil {
		return err
	}
	parent, err := g.lockParent(dir, id)
	if err != nil {
		return err
	}
	defer parent.Unlock()

	child, err := g.lockChild(parent, name, clean)
	if err != nil {
		return err
	}
	defer child.Unlock()

	if child.IsDir() {
		return metadata.NewError(metadata.ErrIsDirectory, "is a directory", clean)
	}
	return g.removeFile(ctx, parent, child, clean, true)
}

// removeFile deletes child remotely, forwarding to its coordinator when
// asked to, and detaches it locally. Both nodes are held exclusively.
func (g *Gateway) removeFile(ctx context.Context, parent, child *fstree.Node, p string, forward bool) error {
	done := false
	if forward && child.IsFile() && !child.IsLocal(g.id) {
		msg := replica.NewWriteMessage(replica.WriteDetach, g.id)
		msg.Volume = child.Volume
		msg.FileID = child.FileID
		msg.FileVersion = child.Version
		msg.Path = p

		_, reached, err := g.forward(ctx, child, p, msg)
		switch {
		case reached && err != nil:
			return err
		case reached:
			done = true
		case err != nil:
			logger.Info("Coordinator %d of %s unreachable, deleting directly: %v", child.Coordinator, p, err)
		}
	}

	if !done {
		if err := g.ms.Delete(ctx, child.Record(parent.FileID, parent.Name)); err != nil {
			return err
		}
	}

	if child.OpenCount == 0 && child.LinkCount == 1 {
		g.reclaim(child)
	}
	_, err := g.tree.Detach(ctx, parent, child, true)
	return err
}

// reclaim hands every block and the manifest of a file about to be
// destroyed to the collector. Only the coordinator knows the full
// manifest. The caller holds n exclusively.
func (g *Gateway) reclaim(n *fstree.Node) {
	if g.garbage == nil || !n.IsFile() || !n.IsLocal(g.id) || n.Manifest == nil {
		return
	}
	job := gc.Job{Volume: n.Volume, FileID: n.FileID}
	n.Manifest.Each(func(ref manifest.BlockRef) bool {
		if !ref.IsHole() {
			job.Blocks = append(job.Blocks, blockInfo(ref))
		}
		return true
	})
	job.Blocks = append(job.Blocks, n.GarbageBlocks.Sorted()...)
	if !n.ManifestMtime.IsZero() {
		job.Manifests = append(job.Manifests, replica.ManifestRef{
			Volume:        n.Volume,
			FileID:        n.FileID,
			FileVersion:   n.Version,
			ManifestMtime: n.ManifestMtime,
		})
	}
	g.garbage.Submit(job)
}

// ============================================================================
// Rename
// ============================================================================

// Rename moves src to dst, replacing a compatible dst. A directory cannot
// be moved under itself.
func (g *Gateway) Rename(ctx context.Context, id metadata.Identity, src, dst string) (err error) {
	start := time.Now()
	defer func() { g.observe("rename", start, err) }()

	_, err = g.rename(ctx, id, src, dst, nil)
	return err
}

// rename moves src to dst and returns the moved entry's write nonce. A
// non-nil peer is a rename forwarded by another gateway to this
// coordinator: its tokens are checked and it is never forwarded again.
func (g *Gateway) rename(ctx context.Context, id metadata.Identity, src, dst string, peer *replica.WriteMessage) (int64, error) {
	srcDir, srcName, err := metadata.SplitParent(src)
	if err != nil {
		return 0, err
	}
	dstDir, dstName, err := metadata.SplitParent(dst)
	if err != nil {
		return 0, err
	}
	if !metadata.ValidName(dstName) {
		return 0, metadata.NewError(metadata.ErrInvalid, "invalid name", dst)
	}
	src, dst = path.Join(srcDir, srcName), path.Join(dstDir, dstName)
	logger.Debug("RENAME: %s -> %s user=%d", src, dst, id.User)

	if src == dst {
		return 0, nil
	}
	if strings.HasPrefix(dst, src+"/") {
		return 0, metadata.NewError(metadata.ErrInvalid, "cannot move a directory under itself", dst)
	}
	if strings.HasPrefix(src, dst+"/") {
		return 0, metadata.NewError(metadata.ErrNotEmpty, "target directory contains the source", dst)
	}

	if err := g.reval.Revalidate(ctx, src); err != nil {
		return 0, err
	}
	if err := g.reval.Revalidate(ctx, dst); err != nil {
		return 0, err
	}

	g.tree.LockRename()
	defer g.tree.UnlockRename()

	srcParent, dstParent, unlock, err := g.lockPair(srcDir, dstDir, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	for _, dir := range []*fstree.Node{srcParent, dstParent} {
		if !metadata.IsWritable(dir.Mode, dir.Owner, dir.Volume, id) ||
			!metadata.IsSearchable(dir.Mode, dir.Owner, dir.Volume, id) {
			return 0, metadata.NewError(metadata.ErrAccessDenied, "cannot modify directory", dir.Name)
		}
	}

	child, err := g.lockChild(srcParent, srcName, src)
	if err != nil {
		return 0, err
	}
	defer child.Unlock()

	if peer != nil {
		if err := g.checkPeerWrite(child, peer); err != nil {
			return 0, err
		}
	}

	target := g.tree.Lookup(dstParent, dstName)
	if target == child {
		return child.WriteNonce, nil
	}
	if target != nil {
		if target.Lock() != nil {
			target = nil
		} else {
			defer target.Unlock()
			if err := replaceable(child, target, dst); err != nil {
				return 0, err
			}
		}
	}

	srcRec := child.Record(srcParent.FileID, srcParent.Name)
	dstRec := &metadata.Record{Name: dstName, ParentID: dstParent.FileID, ParentName: dstParent.Name}
	if err := g.renameRemote(ctx, child, src, dst, srcRec, dstRec, peer == nil); err != nil {
		return 0, err
	}

	if target != nil {
		if target.OpenCount == 0 && target.LinkCount == 1 {
			g.reclaim(target)
		}
		if _, err := g.tree.Detach(ctx, dstParent, target, true); err != nil {
			return 0, metadata.Wrap(metadata.ErrInconsistent, err, "detaching replaced entry")
		}
	}
	if err := g.tree.Move(srcParent, child, dstParent, dstName); err != nil {
		return 0, metadata.Wrap(metadata.ErrInconsistent, err, "moving entry")
	}
	return child.WriteNonce, nil
}

// replaceable checks that child may replace target.
func replaceable(child, target *fstree.Node, dst string) error {
	switch {
	case target.IsDir() && !child.IsDir():
		return metadata.NewError(metadata.ErrIsDirectory, "target is a directory", dst)
	case !target.IsDir() && child.IsDir():
		return metadata.NewError(metadata.ErrNotDirectory, "target is not a directory", dst)
	case target.IsDir() && target.NumChildren() > 0:
		return metadata.NewError(metadata.ErrNotEmpty, "target directory not empty", dst)
	}
	return nil
}

// renameRemote performs the rename in the metadata service, through the
// file's coordinator when there is one elsewhere.
func (g *Gateway) renameRemote(ctx context.Context, child *fstree.Node, src, dst string, srcRec, dstRec *metadata.Record, forward bool) error {
	if forward && child.IsFile() && !child.IsLocal(g.id) {
		msg := replica.NewWriteMessage(replica.WriteRename, g.id)
		msg.Volume = child.Volume
		msg.FileID = child.FileID
		msg.FileVersion = child.Version
		msg.Path = src
		msg.NewPath = dst

		reply, reached, err := g.forward(ctx, child, src, msg)
		if reached {
			if err != nil {
				return err
			}
			child.WriteNonce = reply.WriteNonce
			return nil
		}
		if err != nil {
			logger.Info("Coordinator %d of %s unreachable, renaming directly: %v", child.Coordinator, src, err)
		}
		srcRec.WriteNonce = child.WriteNonce
	}

	out, err := g.ms.Rename(ctx, srcRec, dstRec)
	if err != nil {
		return err
	}
	child.WriteNonce = out.WriteNonce
	return nil
}

// ============================================================================
// Locking helpers
// ============================================================================

// lockParent locks directory dir exclusively for a change to its entries.
func (g *Gateway) lockParent(dir string, id metadata.Identity) (*fstree.Node, error) {
	parent, err := g.tree.Walk(dir, fstree.WalkOptions{Identity: id, Exclusive: true})
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		parent.Unlock()
		return nil, metadata.NewError(metadata.ErrNotDirectory, "not a directory", dir)
	}
	if !metadata.IsWritable(parent.Mode, parent.Owner, parent.Volume, id) ||
		!metadata.IsSearchable(parent.Mode, parent.Owner, parent.Volume, id) {
		parent.Unlock()
		return nil, metadata.NewError(metadata.ErrAccessDenied, "cannot modify directory", dir)
	}
	return parent, nil
}

// lockChild locks entry name of parent, which is held exclusively.
func (g *Gateway) lockChild(parent *fstree.Node, name, p string) (*fstree.Node, error) {
	child := g.tree.Lookup(parent, name)
	if child == nil {
		return nil, metadata.NewError(metadata.ErrNotFound, "no such entry", p)
	}
	if err := child.Lock(); err != nil {
		return nil, err
	}
	return child, nil
}

// lockPair locks the directories a and b exclusively and returns a
// function releasing them. Their deepest common ancestor is locked first
// and held until both are, so no walker can enter between them; below it
// the shallower directory is locked first, ties broken by path.
func (g *Gateway) lockPair(a, b string, id metadata.Identity) (*fstree.Node, *fstree.Node, func(), error) {
	ac, err := metadata.SplitPath(a)
	if err != nil {
		return nil, nil, nil, err
	}
	bc, err := metadata.SplitPath(b)
	if err != nil {
		return nil, nil, nil, err
	}

	common := 0
	for common < len(ac) && common < len(bc) && ac[common] == bc[common] {
		common++
	}
	lca, err := g.tree.Walk("/"+strings.Join(ac[:common], "/"), fstree.WalkOptions{Identity: id, Exclusive: true})
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ac) == common && len(bc) == common {
		if !lca.IsDir() {
			lca.Unlock()
			return nil, nil, nil, metadata.NewError(metadata.ErrNotDirectory, "not a directory", a)
		}
		return lca, lca, lca.Unlock, nil
	}

	first, second := ac[common:], bc[common:]
	swapped := len(second) < len(first) || len(second) == len(first) && b < a
	if swapped {
		first, second = second, first
	}

	n1, err := g.descend(lca, first, id)
	if err != nil {
		lca.Unlock()
		return nil, nil, nil, err
	}
	n2, err := g.descend(lca, second, id)
	if err != nil {
		if n1 != lca {
			n1.Unlock()
		}
		lca.Unlock()
		return nil, nil, nil, err
	}

	// both are below or at the ancestor; it is no longer needed
	if n1 != lca && n2 != lca {
		lca.Unlock()
	}
	unlock := func() {
		n2.Unlock()
		n1.Unlock()
	}
	if swapped {
		n1, n2 = n2, n1
	}
	for _, dir := range []*fstree.Node{n1, n2} {
		if !dir.IsDir() {
			unlock()
			return nil, nil, nil, metadata.NewError(metadata.ErrNotDirectory, "not a directory", dir.Name)
		}
	}
	return n1, n2, unlock, nil
}

// descend walks rel below from, which the caller holds exclusively, and
// returns the final node locked exclusively. Intermediate nodes are locked
// shared, hand over hand. from itself is never released; an empty rel
// returns from.
func (g *Gateway) descend(from *fstree.Node, rel []string, id metadata.Identity) (*fstree.Node, error) {
	cur := from
	release := func(n *fstree.Node) {
		if n != from {
			n.RUnlock()
		}
	}

	for i, name := range rel {
		if !cur.IsDir() {
			release(cur)
			return nil, metadata.NewError(metadata.ErrNotDirectory, "path component is not a directory", name)
		}
		if !metadata.IsSearchable(cur.Mode, cur.Owner, cur.Volume, id) {
			release(cur)
			return nil, metadata.NewError(metadata.ErrAccessDenied, "search permission denied", name)
		}
		child := g.tree.Lookup(cur, name)
		if child == nil {
			release(cur)
			return nil, metadata.NewError(metadata.ErrNotFound, "no such entry", name)
		}

		last := i == len(rel)-1
		var err error
		if last {
			err = child.Lock()
		} else {
			err = child.RLock()
		}
		release(cur)
		if err != nil {
			return nil, err
		}
		if child.LinkCount == 0 {
			if last {
				child.Unlock()
			} else {
				child.RUnlock()
			}
			return nil, metadata.NewError(metadata.ErrNotFound, "entry was removed", name)
		}
		cur = child
	}
	return cur, nil
}
