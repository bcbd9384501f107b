package fstree

import (
	"github.com/marmos91/wanfs/pkg/metadata"
)

// Access is the permission a resolver needs on the final entry.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessSearch
)

// EnterFunc runs for each path step before the child is locked, while the
// parent is still locked. child is nil when the name is absent. The function
// may change parent's linkage (attach, detach, replace) if the parent is
// held exclusively, and returns the node the walk continues with; nil means
// the entry does not exist.
type EnterFunc func(parent *Node, name string, child *Node) (*Node, error)

// VisitFunc runs on each node of the path, root included, right after it is
// locked and before its parent is released. parent is nil for the root.
type VisitFunc func(parent, n *Node, name string) error

// WalkOptions controls a path walk.
type WalkOptions struct {
	// Identity is checked for search permission on every directory
	Identity metadata.Identity

	// Exclusive locks the final node exclusively
	Exclusive bool

	// ExclusivePath locks every node of the path exclusively. The final
	// node is downgraded to shared on return unless Exclusive is set.
	ExclusivePath bool

	// Access is checked on the final node
	Access Access

	Enter EnterFunc
	Visit VisitFunc
}

// Walk resolves an absolute path and returns the final node locked, shared
// or exclusive per opts. Locks are taken hand over hand: a parent is
// released only after its child is locked, so no step ever runs without a
// lock on the current node. On error nothing is held.
//
// Errors: ErrInvalid, ErrNotFound, ErrNotDirectory, ErrAccessDenied, or any
// error returned by the callbacks.
func (t *Tree) Walk(path string, opts WalkOptions) (*Node, error) {
	components, err := metadata.SplitPath(path)
	if err != nil {
		return nil, err
	}

	lockMode := func(last bool) bool {
		return opts.ExclusivePath || (last && opts.Exclusive)
	}

	cur := t.root
	curExcl := lockMode(len(components) == 0)
	if err := cur.lock(curExcl); err != nil {
		return nil, err
	}
	if opts.Visit != nil {
		if err := opts.Visit(nil, cur, "/"); err != nil {
			cur.unlock(curExcl)
			return nil, err
		}
	}

	for i, name := range components {
		if !cur.IsDir() {
			cur.unlock(curExcl)
			return nil, metadata.NewError(metadata.ErrNotDirectory, "path component is not a directory", path)
		}
		if !metadata.IsSearchable(cur.Mode, cur.Owner, cur.Volume, opts.Identity) {
			cur.unlock(curExcl)
			return nil, metadata.NewError(metadata.ErrAccessDenied, "search permission denied", path)
		}

		child := t.Lookup(cur, name)
		if opts.Enter != nil {
			child, err = opts.Enter(cur, name, child)
			if err != nil {
				cur.unlock(curExcl)
				return nil, err
			}
		}
		if child == nil {
			cur.unlock(curExcl)
			return nil, metadata.NewError(metadata.ErrNotFound, "no such entry", path)
		}

		childExcl := lockMode(i == len(components)-1)
		if err := child.lock(childExcl); err != nil {
			cur.unlock(curExcl)
			return nil, err
		}
		if opts.Visit != nil {
			if err := opts.Visit(cur, child, name); err != nil {
				child.unlock(childExcl)
				cur.unlock(curExcl)
				return nil, err
			}
		}
		if child.LinkCount == 0 || child.IsDead() {
			child.unlock(childExcl)
			cur.unlock(curExcl)
			return nil, metadata.NewError(metadata.ErrNotFound, "entry was removed", path)
		}

		cur.unlock(curExcl)
		cur, curExcl = child, childExcl
	}

	if curExcl && !opts.Exclusive {
		if err := cur.Downgrade(); err != nil {
			return nil, err
		}
		curExcl = false
		if cur.LinkCount == 0 {
			cur.RUnlock()
			return nil, metadata.NewError(metadata.ErrNotFound, "entry was removed", path)
		}
	}

	if !checkAccess(cur, opts.Access, opts.Identity) {
		cur.unlock(curExcl)
		return nil, metadata.NewError(metadata.ErrAccessDenied, "permission denied", path)
	}
	return cur, nil
}

// Resolve locks and returns the node at path. The caller needs read
// permission on files and search permission on directories.
func (t *Tree) Resolve(path string, id metadata.Identity, exclusive bool) (*Node, error) {
	n, err := t.Walk(path, WalkOptions{Identity: id, Exclusive: exclusive})
	if err != nil {
		return nil, err
	}
	access := AccessRead
	if n.IsDir() {
		access = AccessSearch
	}
	if !checkAccess(n, access, id) {
		n.unlock(exclusive)
		return nil, metadata.NewError(metadata.ErrAccessDenied, "permission denied", path)
	}
	return n, nil
}

// Unlock releases a node returned by Walk or Resolve.
func Unlock(n *Node, exclusive bool) {
	n.unlock(exclusive)
}

func checkAccess(n *Node, access Access, id metadata.Identity) bool {
	switch access {
	case AccessRead:
		return metadata.IsReadable(n.Mode, n.Owner, n.Volume, id)
	case AccessWrite:
		return metadata.IsWritable(n.Mode, n.Owner, n.Volume, id)
	case AccessSearch:
		return metadata.IsSearchable(n.Mode, n.Owner, n.Volume, id)
	default:
		return true
	}
}
