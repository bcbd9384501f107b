package gateway

import (
	"context"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/metadata"
)

// Built-in extended attributes. They are served from the cached entry
// instead of the metadata service; the TTL ones are writable by the owner
// and take decimal milliseconds.
const (
	XattrCoordinator = "user.wanfs.coordinator"
	XattrReadTTL     = "user.wanfs.read_ttl"
	XattrWriteTTL    = "user.wanfs.write_ttl"
)

var builtinXattrs = []string{XattrCoordinator, XattrReadTTL, XattrWriteTTL}

func isBuiltinXattr(name string) bool {
	for _, b := range builtinXattrs {
		if b == name {
			return true
		}
	}
	return false
}

// Access mask bits for Access, with the values of access(2).
const (
	MayExecute = 1
	MayWrite   = 2
	MayRead    = 4
)

// StatFS describes the volume.
type StatFS struct {
	BlockSize int64
	Files     uint64
	NameMax   int
}

// ============================================================================
// Extended attributes
// ============================================================================

// Getxattr returns the value of an extended attribute. Values are cached
// per entry until its xattr nonce changes.
//
// Errors: ErrNoAttribute, ErrAccessDenied, or any resolution error.
func (g *Gateway) Getxattr(ctx context.Context, id metadata.Identity, p, name string) (value []byte, err error) {
	start := time.Now()
	defer func() { g.observe("getxattr", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := g.refresh(ctx, clean); err != nil {
		return nil, err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Access: fstree.AccessRead, Exclusive: true})
	if err != nil {
		return nil, err
	}
	defer n.Unlock()

	if isBuiltinXattr(name) {
		g.metrics.RecordXattrLookup("builtin")
	}
	switch name {
	case XattrCoordinator:
		return []byte(strconv.FormatUint(n.Coordinator, 10)), nil
	case XattrReadTTL:
		return []byte(strconv.FormatInt(int64(n.MaxReadFreshness), 10)), nil
	case XattrWriteTTL:
		return []byte(strconv.FormatInt(int64(n.MaxWriteFreshness), 10)), nil
	}

	if cached, ok := n.CachedXattr(name); ok {
		g.metrics.RecordXattrLookup("cache")
		return append([]byte{}, cached...), nil
	}
	g.metrics.RecordXattrLookup("metadata")
	value, err = g.ms.GetXattr(ctx, n.FileID, name)
	if err != nil {
		return nil, err
	}
	n.CacheXattr(name, value)
	return append([]byte{}, value...), nil
}

// Listxattr returns the names of the extended attributes of an entry, the
// built-in ones first.
func (g *Gateway) Listxattr(ctx context.Context, id metadata.Identity, p string) (names []string, err error) {
	start := time.Now()
	defer func() { g.observe("listxattr", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := g.refresh(ctx, clean); err != nil {
		return nil, err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Access: fstree.AccessRead})
	if err != nil {
		return nil, err
	}
	fileID := n.FileID
	n.RUnlock()

	stored, err := g.ms.ListXattrs(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return append(append([]string{}, builtinXattrs...), stored...), nil
}

// Setxattr sets an extended attribute. The built-in TTL attributes change
// the entry's freshness and are published like Chmod; the coordinator
// attribute is read-only.
//
// Errors: ErrAccessDenied, ErrAlreadyExists (XattrCreate on a set
// attribute), ErrNoAttribute (XattrReplace on an unset one), ErrInvalid
// (malformed TTL), ErrNotSupported (coordinator).
func (g *Gateway) Setxattr(ctx context.Context, id metadata.Identity, p, name string, value []byte, flags metadata.XattrFlags) (err error) {
	start := time.Now()
	defer func() { g.observe("setxattr", start, err) }()

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

	if isBuiltinXattr(name) {
		return g.setBuiltinXattr(ctx, id, n, clean, name, value, flags)
	}

	if !metadata.IsWritable(n.Mode, n.Owner, n.Volume, id) {
		return metadata.NewError(metadata.ErrAccessDenied, "cannot set attributes", clean)
	}
	stored, err := g.ms.SetXattr(ctx, n.FileID, name, value, flags)
	if err != nil {
		return err
	}
	n.SetXattrNonce(stored.XattrNonce)
	n.CacheXattr(name, append([]byte{}, value...))
	logger.Debug("SETXATTR: path=%s name=%s size=%d", clean, name, len(value))
	return nil
}

// setBuiltinXattr changes a TTL of n, which is held exclusively.
func (g *Gateway) setBuiltinXattr(ctx context.Context, id metadata.Identity, n *fstree.Node, p, name string, value []byte, flags metadata.XattrFlags) error {
	if name == XattrCoordinator {
		return metadata.NewError(metadata.ErrNotSupported, "attribute is read-only", name)
	}
	if flags&metadata.XattrCreate != 0 {
		return metadata.NewError(metadata.ErrAlreadyExists, "built-in attribute is always set", name)
	}
	if id.User != metadata.SystemUser && id.User != n.Owner {
		return metadata.NewError(metadata.ErrAccessDenied, "only the owner may change freshness", p)
	}
	millis, err := strconv.ParseInt(string(value), 10, 32)
	if err != nil {
		return metadata.Wrap(metadata.ErrInvalid, err, "malformed "+name)
	}
	ttl := metadata.Freshness(millis)
	if ttl < metadata.NeverExpires {
		ttl = metadata.NeverExpires
	}

	readTTL, writeTTL := n.MaxReadFreshness, n.MaxWriteFreshness
	if name == XattrReadTTL {
		n.MaxReadFreshness = ttl
	} else {
		n.MaxWriteFreshness = ttl
	}
	return g.queueAttrs(ctx, n, p, writeTTL, func() {
		n.MaxReadFreshness, n.MaxWriteFreshness = readTTL, writeTTL
	})
}

// Removexattr removes an extended attribute. Built-in attributes cannot be
// removed.
func (g *Gateway) Removexattr(ctx context.Context, id metadata.Identity, p, name string) (err error) {
	start := time.Now()
	defer func() { g.observe("removexattr", start, err) }()

	if isBuiltinXattr(name) {
		return metadata.NewError(metadata.ErrNotSupported, "built-in attribute cannot be removed", name)
	}
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

	if !metadata.IsWritable(n.Mode, n.Owner, n.Volume, id) {
		return metadata.NewError(metadata.ErrAccessDenied, "cannot remove attributes", clean)
	}
	stored, err := g.ms.RemoveXattr(ctx, n.FileID, name)
	if err != nil {
		return err
	}
	n.SetXattrNonce(stored.XattrNonce)
	return nil
}

// ============================================================================
// Attributes
// ============================================================================

// Utime sets the mtime of an entry. A zero mtime means now and needs write
// permission; an explicit one may only be set by the owner. The change is
// published like Chmod.
func (g *Gateway) Utime(ctx context.Context, id metadata.Identity, p string, mtime time.Time) (err error) {
	start := time.Now()
	defer func() { g.observe("utime", start, err) }()

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

	owner := id.User == metadata.SystemUser || id.User == n.Owner
	if mtime.IsZero() {
		if !owner && !metadata.IsWritable(n.Mode, n.Owner, n.Volume, id) {
			return metadata.NewError(metadata.ErrAccessDenied, "cannot touch entry", clean)
		}
		mtime = g.now()
	} else if !owner {
		return metadata.NewError(metadata.ErrAccessDenied, "only the owner may set times", clean)
	}

	previous := n.Mtime
	n.Mtime = mtime
	return g.queueAttrs(ctx, n, clean, n.MaxWriteFreshness, func() { n.Mtime = previous })
}

// Chown changes the owner of an entry. Only the system user may do so.
func (g *Gateway) Chown(ctx context.Context, id metadata.Identity, p string, owner uint64) (err error) {
	start := time.Now()
	defer func() { g.observe("chown", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return err
	}
	if id.User != metadata.SystemUser {
		return metadata.NewError(metadata.ErrAccessDenied, "only the system user may change ownership", clean)
	}
	if err := g.reval.Revalidate(ctx, clean); err != nil {
		return err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id, Exclusive: true})
	if err != nil {
		return err
	}
	defer n.Unlock()

	previous := n.Owner
	n.Owner = owner
	return g.queueAttrs(ctx, n, clean, n.MaxWriteFreshness, func() { n.Owner = previous })
}

// queueAttrs publishes the attributes of n, which is held exclusively, with
// a deadline of ttl from now. undo restores them if the update is refused.
func (g *Gateway) queueAttrs(ctx context.Context, n *fstree.Node, p string, ttl metadata.Freshness, undo func()) error {
	now := g.now()
	changed := n.Changed
	// keeps the change through revalidations until the update lands
	n.Changed = now
	if err := g.ms.QueueUpdate(ctx, n.Record(0, ""), ttl.Deadline(now)); err != nil {
		undo()
		n.Changed = changed
		return err
	}
	logger.Debug("SETATTR: path=%s owner=%d mode=%o mtime=%s read_ttl=%d write_ttl=%d",
		p, n.Owner, n.Mode, n.Mtime.Format(time.RFC3339Nano), n.MaxReadFreshness, n.MaxWriteFreshness)
	return nil
}

// ============================================================================
// Mknod, access and statfs
// ============================================================================

// Mknod creates a regular file or a fifo without opening it.
//
// Errors: ErrNotSupported (other types), ErrAlreadyExists, ErrAccessDenied.
func (g *Gateway) Mknod(ctx context.Context, id metadata.Identity, p string, typ metadata.FileType, mode uint32) (err error) {
	start := time.Now()
	defer func() { g.observe("mknod", start, err) }()

	if typ != metadata.TypeFile && typ != metadata.TypeFifo {
		return metadata.Errorf(metadata.ErrNotSupported, "cannot create %s nodes", typ)
	}
	dir, name, err := metadata.SplitParent(p)
	if err != nil {
		return err
	}
	clean := path.Join(dir, name)
	logger.Debug("MKNOD: path=%s type=%s mode=%o user=%d", clean, typ, mode, id.User)

	if err := g.reval.Revalidate(ctx, clean); err != nil {
		return err
	}
	parent, err := g.lockParent(dir, id)
	if err != nil {
		return err
	}
	defer parent.Unlock()

	if g.tree.Lookup(parent, name) != nil {
		return metadata.NewError(metadata.ErrAlreadyExists, "entry exists", clean)
	}

	if typ == metadata.TypeFile {
		n, err := g.create(ctx, id, parent, name, os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			if metadata.HasCode(err, metadata.ErrAlreadyExists) {
				parent.MarkReadStale()
			}
			return err
		}
		n.Unlock()
		return nil
	}

	stored, err := g.ms.Create(ctx, &metadata.Record{
		Type:        metadata.TypeFifo,
		Name:        name,
		Owner:       id.User,
		Coordinator: g.id,
		Volume:      g.volume,
		Mode:        mode & 07777,
		ParentID:    parent.FileID,
		ParentName:  parent.Name,
	})
	if err != nil {
		if metadata.HasCode(err, metadata.ErrAlreadyExists) {
			parent.MarkReadStale()
		}
		return err
	}
	if err := g.tree.Attach(parent, fstree.NewNode(stored, g.now())); err != nil {
		return metadata.Wrap(metadata.ErrInconsistent, err, "attaching created fifo")
	}
	return nil
}

// Access checks the caller's permissions on an entry. mask combines
// MayRead, MayWrite and MayExecute; 0 only checks that the entry exists.
func (g *Gateway) Access(ctx context.Context, id metadata.Identity, p string, mask int) (err error) {
	start := time.Now()
	defer func() { g.observe("access", start, err) }()

	clean, err := metadata.CleanPath(p)
	if err != nil {
		return err
	}
	if err := g.refresh(ctx, clean); err != nil {
		return err
	}
	n, err := g.tree.Walk(clean, fstree.WalkOptions{Identity: id})
	if err != nil {
		return err
	}
	defer n.RUnlock()

	if mask&MayRead != 0 && !metadata.IsReadable(n.Mode, n.Owner, n.Volume, id) ||
		mask&MayWrite != 0 && !metadata.IsWritable(n.Mode, n.Owner, n.Volume, id) ||
		mask&MayExecute != 0 && !metadata.IsSearchable(n.Mode, n.Owner, n.Volume, id) {
		return metadata.NewError(metadata.ErrAccessDenied, "permission denied", clean)
	}
	return nil
}

// Statfs describes the volume: its block size, entry count and the
// longest entry name.
func (g *Gateway) Statfs(ctx context.Context) (st *StatFS, err error) {
	start := time.Now()
	defer func() { g.observe("statfs", start, err) }()

	files, err := g.ms.CountFiles(ctx, g.volume)
	if err != nil {
		return nil, err
	}
	return &StatFS{BlockSize: g.blockSize, Files: files, NameMax: metadata.MaxNameLength}, nil
}
