package metadata

import (
	"context"
	"sync"
	"time"
)

// Backend is the transactional key-value layer under a Namespace.
//
// The memory and badger packages provide implementations. View runs fn in a
// read-only transaction, Update in a read-write one; an error returned by fn
// aborts the transaction.
type Backend interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Txn is a single backend transaction.
//
// Get and Child return an ErrNotFound *Error when the key is absent, Xattr
// an ErrNoAttribute one.
type Txn interface {
	Get(fileID uint64) (*Record, error)
	Put(rec *Record) error
	Delete(fileID uint64) error
	Child(parentID uint64, name string) (uint64, error)
	SetChild(parentID uint64, name string, childID uint64) error
	RemoveChild(parentID uint64, name string) error
	Children(parentID uint64) ([]uint64, error)
	NextID() (uint64, error)

	Xattr(fileID uint64, name string) ([]byte, error)
	SetXattr(fileID uint64, name string, value []byte) error
	RemoveXattr(fileID uint64, name string) error
	Xattrs(fileID uint64) ([]string, error)

	// Count returns the number of stored records.
	Count() (uint64, error)
}

// NamespaceOptions configures the root entry and default TTLs of a Namespace.
type NamespaceOptions struct {
	RootOwner uint64
	RootMode  uint32

	// DefaultReadFreshness/DefaultWriteFreshness are assigned to created
	// entries that don't specify their own TTLs.
	DefaultReadFreshness  Freshness
	DefaultWriteFreshness Freshness

	// Now overrides the clock (tests)
	Now func() time.Time
}

type queuedUpdate struct {
	rec      Record
	deadline time.Time
}

// Namespace implements Service on top of a Backend.
//
// It is the authoritative metadata service used by the standalone gateway
// process and by tests. Nonces are bumped on every accepted mutation; a
// mutation carrying an outdated write nonce is rejected with ErrStale.
type Namespace struct {
	backend Backend
	volume  uint64
	opts    NamespaceOptions
	now     func() time.Time

	// mu guards queued
	mu     sync.Mutex
	queued map[uint64]queuedUpdate
}

// NewNamespace creates a Namespace for volume, creating the root directory
// if the backend does not hold one yet.
func NewNamespace(ctx context.Context, backend Backend, volume uint64, opts NamespaceOptions) (*Namespace, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.RootMode == 0 {
		opts.RootMode = 0755
	}

	ns := &Namespace{
		backend: backend,
		volume:  volume,
		opts:    opts,
		now:     now,
		queued:  make(map[uint64]queuedUpdate),
	}

	err := backend.Update(ctx, func(txn Txn) error {
		if _, err := txn.Get(RootID); err == nil {
			return nil
		} else if !IsNotFound(err) {
			return err
		}
		t := now()
		return txn.Put(&Record{
			Type:              TypeDirectory,
			Name:              "/",
			FileID:            RootID,
			Owner:             opts.RootOwner,
			Volume:            volume,
			Mode:              opts.RootMode,
			Ctime:             t,
			Mtime:             t,
			WriteNonce:        1,
			XattrNonce:        1,
			MaxReadFreshness:  opts.DefaultReadFreshness,
			MaxWriteFreshness: opts.DefaultWriteFreshness,
		})
	})
	if err != nil {
		return nil, Wrap(ErrIO, err, "failed to initialize namespace root")
	}

	return ns, nil
}

// Close closes the underlying backend.
func (s *Namespace) Close() error {
	return s.backend.Close()
}

// ResolvePath implements Service.
func (s *Namespace) ResolvePath(ctx context.Context, volume uint64, p string, _ time.Time) (*PathListing, error) {
	if volume != s.volume {
		return nil, NewError(ErrNotFound, "unknown volume", p)
	}
	components, err := SplitPath(p)
	if err != nil {
		return nil, err
	}
	if err := s.applyDue(ctx); err != nil {
		return nil, err
	}

	listing := &PathListing{}
	err = s.backend.View(ctx, func(txn Txn) error {
		cur, err := txn.Get(RootID)
		if err != nil {
			return err
		}
		if len(components) == 0 {
			listing.Entry = cur
			return s.listChildren(txn, cur, listing)
		}

		for i, name := range components {
			listing.Dirs = append(listing.Dirs, *cur)
			if cur.Mtime.After(listing.LastModified) {
				listing.LastModified = cur.Mtime
			}

			id, err := txn.Child(cur.FileID, name)
			if IsNotFound(err) {
				return nil
			} else if err != nil {
				return err
			}
			rec, err := txn.Get(id)
			if err != nil {
				return err
			}

			if i == len(components)-1 {
				listing.Entry = rec
				return s.listChildren(txn, rec, listing)
			}
			if !rec.IsDir() {
				return NewError(ErrNotDirectory, "path component is not a directory", p)
			}
			cur = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *Namespace) listChildren(txn Txn, dir *Record, listing *PathListing) error {
	if !dir.IsDir() {
		return nil
	}
	ids, err := txn.Children(dir.FileID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		child, err := txn.Get(id)
		if err != nil {
			return err
		}
		listing.Children = append(listing.Children, *child)
	}
	return nil
}

// Create implements Service.
func (s *Namespace) Create(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Type != TypeFile && rec.Type != TypeFifo {
		return nil, Errorf(ErrInvalid, "cannot create entry of type %s", rec.Type)
	}
	return s.create(ctx, rec)
}

// Mkdir implements Service.
func (s *Namespace) Mkdir(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Type != TypeDirectory {
		return nil, Errorf(ErrInvalid, "mkdir with entry of type %s", rec.Type)
	}
	return s.create(ctx, rec)
}

func (s *Namespace) create(ctx context.Context, rec *Record) (*Record, error) {
	if !ValidName(rec.Name) {
		return nil, NewError(ErrInvalid, "invalid name", rec.Name)
	}
	if err := s.applyDue(ctx); err != nil {
		return nil, err
	}

	var stored *Record
	err := s.backend.Update(ctx, func(txn Txn) error {
		parent, err := txn.Get(rec.ParentID)
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return NewError(ErrNotDirectory, "parent is not a directory", parent.Name)
		}
		if _, err := txn.Child(parent.FileID, rec.Name); err == nil {
			return NewError(ErrAlreadyExists, "entry already exists", rec.Name)
		} else if !IsNotFound(err) {
			return err
		}

		id, err := txn.NextID()
		if err != nil {
			return err
		}

		t := s.now()
		stored = rec.Clone()
		stored.FileID = id
		stored.Volume = s.volume
		stored.ParentID = parent.FileID
		stored.ParentName = parent.Name
		stored.WriteNonce = 1
		stored.XattrNonce = 1
		if stored.Ctime.IsZero() {
			stored.Ctime = t
		}
		if stored.Mtime.IsZero() {
			stored.Mtime = t
		}
		if stored.MaxReadFreshness == 0 && stored.MaxWriteFreshness == 0 {
			stored.MaxReadFreshness = s.opts.DefaultReadFreshness
			stored.MaxWriteFreshness = s.opts.DefaultWriteFreshness
		}

		if err := txn.Put(stored); err != nil {
			return err
		}
		if err := txn.SetChild(parent.FileID, stored.Name, id); err != nil {
			return err
		}
		return s.touch(txn, parent, t)
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Update implements Service.
func (s *Namespace) Update(ctx context.Context, rec *Record) (*Record, error) {
	if err := s.applyDue(ctx); err != nil {
		return nil, err
	}

	var stored *Record
	err := s.backend.Update(ctx, func(txn Txn) error {
		cur, err := txn.Get(rec.FileID)
		if err != nil {
			return err
		}
		if cur.WriteNonce != rec.WriteNonce {
			return Errorf(ErrStale, "write nonce mismatch for %d (have %d, got %d)", rec.FileID, cur.WriteNonce, rec.WriteNonce)
		}

		cur.Size = rec.Size
		cur.Version = rec.Version
		cur.Mtime = rec.Mtime
		cur.ManifestMtime = rec.ManifestMtime
		cur.Mode = rec.Mode
		cur.Owner = rec.Owner
		cur.Coordinator = rec.Coordinator
		cur.MaxReadFreshness = rec.MaxReadFreshness
		cur.MaxWriteFreshness = rec.MaxWriteFreshness
		cur.WriteNonce++

		stored = cur
		return txn.Put(cur)
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Delete implements Service.
func (s *Namespace) Delete(ctx context.Context, rec *Record) error {
	if rec.FileID == RootID {
		return NewError(ErrInvalid, "cannot delete root", "/")
	}
	if err := s.applyDue(ctx); err != nil {
		return err
	}

	err := s.backend.Update(ctx, func(txn Txn) error {
		cur, err := txn.Get(rec.FileID)
		if err != nil {
			return err
		}
		if cur.IsDir() {
			children, err := txn.Children(cur.FileID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return NewError(ErrNotEmpty, "directory not empty", cur.Name)
			}
		}
		return s.remove(txn, cur)
	})
	if err == nil {
		s.mu.Lock()
		delete(s.queued, rec.FileID)
		s.mu.Unlock()
	}
	return err
}

func (s *Namespace) remove(txn Txn, cur *Record) error {
	if err := txn.RemoveChild(cur.ParentID, cur.Name); err != nil && !IsNotFound(err) {
		return err
	}
	names, err := txn.Xattrs(cur.FileID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := txn.RemoveXattr(cur.FileID, name); err != nil {
			return err
		}
	}
	if err := txn.Delete(cur.FileID); err != nil {
		return err
	}
	parent, err := txn.Get(cur.ParentID)
	if err != nil {
		return err
	}
	return s.touch(txn, parent, s.now())
}

// Rename implements Service.
func (s *Namespace) Rename(ctx context.Context, src, dst *Record) (*Record, error) {
	if !ValidName(dst.Name) {
		return nil, NewError(ErrInvalid, "invalid name", dst.Name)
	}
	if err := s.applyDue(ctx); err != nil {
		return nil, err
	}

	var stored *Record
	err := s.backend.Update(ctx, func(txn Txn) error {
		cur, err := txn.Get(src.FileID)
		if err != nil {
			return err
		}
		newParent, err := txn.Get(dst.ParentID)
		if err != nil {
			return err
		}
		if !newParent.IsDir() {
			return NewError(ErrNotDirectory, "destination parent is not a directory", newParent.Name)
		}

		// A directory cannot be moved under itself
		if cur.IsDir() {
			for id := newParent.FileID; id != RootID; {
				if id == cur.FileID {
					return NewError(ErrInvalid, "cannot move a directory under itself", cur.Name)
				}
				anc, err := txn.Get(id)
				if err != nil {
					return err
				}
				id = anc.ParentID
			}
		}

		if existingID, err := txn.Child(newParent.FileID, dst.Name); err == nil && existingID != cur.FileID {
			existing, err := txn.Get(existingID)
			if err != nil {
				return err
			}
			if existing.IsDir() && !cur.IsDir() {
				return NewError(ErrIsDirectory, "destination is a directory", dst.Name)
			}
			if !existing.IsDir() && cur.IsDir() {
				return NewError(ErrNotDirectory, "destination is not a directory", dst.Name)
			}
			if existing.IsDir() {
				children, err := txn.Children(existing.FileID)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					return NewError(ErrNotEmpty, "destination directory not empty", dst.Name)
				}
			}
			if err := s.remove(txn, existing); err != nil {
				return err
			}
		} else if err != nil && !IsNotFound(err) {
			return err
		}

		oldParent, err := txn.Get(cur.ParentID)
		if err != nil {
			return err
		}
		if err := txn.RemoveChild(oldParent.FileID, cur.Name); err != nil {
			return err
		}
		if err := txn.SetChild(newParent.FileID, dst.Name, cur.FileID); err != nil {
			return err
		}

		t := s.now()
		cur.Name = dst.Name
		cur.ParentID = newParent.FileID
		cur.ParentName = newParent.Name
		cur.WriteNonce++
		if err := txn.Put(cur); err != nil {
			return err
		}
		if err := s.touch(txn, oldParent, t); err != nil {
			return err
		}
		if newParent.FileID != oldParent.FileID {
			// re-read: oldParent may be an ancestor record cached above
			np, err := txn.Get(newParent.FileID)
			if err != nil {
				return err
			}
			if err := s.touch(txn, np, t); err != nil {
				return err
			}
		}
		stored = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// touch advances a directory's mtime after a namespace change.
func (s *Namespace) touch(txn Txn, dir *Record, t time.Time) error {
	if !t.After(dir.Mtime) {
		t = dir.Mtime.Add(time.Nanosecond)
	}
	dir.Mtime = t
	dir.WriteNonce++
	return txn.Put(dir)
}

// QueueUpdate implements Service.
//
// Queued updates only carry attribute changes (mode, owner, mtime, TTLs);
// they are applied without a write-nonce check and bump the xattr nonce.
// The mtime of a queued record older than the stored one is applied only
// if the record carries the stored write nonce.
// An update whose deadline has already passed is applied immediately.
func (s *Namespace) QueueUpdate(ctx context.Context, rec *Record, deadline time.Time) error {
	s.mu.Lock()
	s.queued[rec.FileID] = queuedUpdate{rec: *rec, deadline: deadline}
	s.mu.Unlock()
	return s.applyDue(ctx)
}

// FlushQueued applies every queued update regardless of its deadline.
func (s *Namespace) FlushQueued(ctx context.Context) error {
	return s.apply(ctx, func(queuedUpdate) bool { return true })
}

func (s *Namespace) applyDue(ctx context.Context) error {
	now := s.now()
	return s.apply(ctx, func(q queuedUpdate) bool { return !q.deadline.After(now) })
}

func (s *Namespace) apply(ctx context.Context, due func(queuedUpdate) bool) error {
	s.mu.Lock()
	var ready []queuedUpdate
	for id, q := range s.queued {
		if due(q) {
			ready = append(ready, q)
			delete(s.queued, id)
		}
	}
	s.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}

	return s.backend.Update(ctx, func(txn Txn) error {
		for _, q := range ready {
			cur, err := txn.Get(q.rec.FileID)
			if IsNotFound(err) {
				continue
			} else if err != nil {
				return err
			}
			cur.Mode = q.rec.Mode
			cur.Owner = q.rec.Owner
			// only a sender that saw the latest content write may move
			// mtime backwards
			if q.rec.Mtime.After(cur.Mtime) || q.rec.WriteNonce == cur.WriteNonce {
				cur.Mtime = q.rec.Mtime
			}
			cur.MaxReadFreshness = q.rec.MaxReadFreshness
			cur.MaxWriteFreshness = q.rec.MaxWriteFreshness
			cur.XattrNonce++
			if err := txn.Put(cur); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Extended attributes
// ============================================================================

// GetXattr implements Service.
func (s *Namespace) GetXattr(ctx context.Context, fileID uint64, name string) ([]byte, error) {
	var value []byte
	err := s.backend.View(ctx, func(txn Txn) error {
		if _, err := txn.Get(fileID); err != nil {
			return err
		}
		v, err := txn.Xattr(fileID, name)
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// ListXattrs implements Service.
func (s *Namespace) ListXattrs(ctx context.Context, fileID uint64) ([]string, error) {
	var names []string
	err := s.backend.View(ctx, func(txn Txn) error {
		if _, err := txn.Get(fileID); err != nil {
			return err
		}
		n, err := txn.Xattrs(fileID)
		names = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// SetXattr implements Service.
func (s *Namespace) SetXattr(ctx context.Context, fileID uint64, name string, value []byte, flags XattrFlags) (*Record, error) {
	if name == "" || len(name) > MaxXattrName {
		return nil, NewError(ErrInvalid, "invalid attribute name", name)
	}
	if len(value) > MaxXattrValue {
		return nil, Errorf(ErrInvalid, "attribute value too large (%d bytes)", len(value))
	}
	if flags&XattrCreate != 0 && flags&XattrReplace != 0 {
		return nil, NewError(ErrInvalid, "create and replace are exclusive", name)
	}

	return s.updateXattrs(ctx, fileID, func(txn Txn) error {
		_, err := txn.Xattr(fileID, name)
		switch {
		case err == nil && flags&XattrCreate != 0:
			return NewError(ErrAlreadyExists, "attribute already set", name)
		case HasCode(err, ErrNoAttribute) && flags&XattrReplace != 0:
			return err
		case err != nil && !HasCode(err, ErrNoAttribute):
			return err
		}
		return txn.SetXattr(fileID, name, value)
	})
}

// RemoveXattr implements Service.
func (s *Namespace) RemoveXattr(ctx context.Context, fileID uint64, name string) (*Record, error) {
	return s.updateXattrs(ctx, fileID, func(txn Txn) error {
		return txn.RemoveXattr(fileID, name)
	})
}

func (s *Namespace) updateXattrs(ctx context.Context, fileID uint64, fn func(Txn) error) (*Record, error) {
	var stored *Record
	err := s.backend.Update(ctx, func(txn Txn) error {
		cur, err := txn.Get(fileID)
		if err != nil {
			return err
		}
		if err := fn(txn); err != nil {
			return err
		}
		cur.XattrNonce++
		stored = cur
		return txn.Put(cur)
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// CountFiles implements Service.
func (s *Namespace) CountFiles(ctx context.Context, volume uint64) (uint64, error) {
	if volume != s.volume {
		return 0, NewError(ErrNotFound, "unknown volume", "")
	}
	var count uint64
	err := s.backend.View(ctx, func(txn Txn) error {
		c, err := txn.Count()
		count = c
		return err
	})
	return count, err
}
