// Package revalidate keeps the cached namespace tree consistent with the
// authoritative metadata service.
//
// Revalidate trusts cached entries until their read freshness expires,
// then fetches the authoritative view of the path and merges it into the
// tree one level at a time, root to leaf. Local changes made after the
// fetch was issued always win over the fetched records.
package revalidate

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/metrics"
	"github.com/marmos91/wanfs/pkg/replica"
)

// Options configures an Engine.
type Options struct {
	// GatewayID identifies this gateway as a coordinator
	GatewayID uint64

	// Metrics may be nil
	Metrics metrics.GatewayMetrics
}

// Engine revalidates paths and manifests of one tree.
//
// Thread Safety:
// Safe for concurrent use. Every tree mutation happens under the node
// locks taken by the path walk.
type Engine struct {
	tree      *fstree.Tree
	ms        metadata.Service
	transport replica.Transport
	gatewayID uint64
	metrics   metrics.GatewayMetrics
}

// NewEngine creates an engine.
func NewEngine(tree *fstree.Tree, ms metadata.Service, transport replica.Transport, opts Options) *Engine {
	return &Engine{
		tree:      tree,
		ms:        ms,
		transport: transport,
		gatewayID: opts.GatewayID,
		metrics:   metrics.OrNoop(opts.Metrics),
	}
}

// errPathEnded stops a merge walk at the first component that no longer
// exists. It never escapes the package.
var errPathEnded = errors.New("path ends")

// Revalidate brings the cached entries along path in line with the
// metadata service. It returns without a round trip when every entry along
// the path is cached and fresh.
//
// A path that does not exist remotely is not an error: the stale local
// entries are removed and a later resolution reports ErrNotFound.
//
// Errors: ErrInvalid for malformed paths, ErrRemoteDataInvalid when the
// fetched records are structurally impossible, ErrInconsistent when the
// tree could not be brought in line, or the metadata service's error.
func (e *Engine) Revalidate(ctx context.Context, path string) error {
	return e.revalidate(ctx, path, false)
}

// RevalidateListing is Revalidate for directory listings: a terminal
// directory whose child set was never listed is refetched even if fresh.
func (e *Engine) RevalidateListing(ctx context.Context, path string) error {
	return e.revalidate(ctx, path, true)
}

func (e *Engine) revalidate(ctx context.Context, path string, listing bool) error {
	start := time.Now()

	clean, err := metadata.CleanPath(path)
	if err != nil {
		return err
	}

	fresh, lastKnown := e.isFresh(clean, listing)
	if fresh {
		e.metrics.RecordRevalidation("fresh", time.Since(start))
		return nil
	}

	err = e.fetchAndMerge(ctx, clean, lastKnown)
	if err != nil {
		e.metrics.RecordRevalidation("error", time.Since(start))
		logger.Debug("Revalidation of %s failed: %v", clean, err)
		return err
	}
	e.metrics.RecordRevalidation("merged", time.Since(start))
	return nil
}

// isFresh walks the cached path with shared locks. It reports whether every
// entry is present and fresh, and the newest directory mtime seen.
func (e *Engine) isFresh(path string, listing bool) (bool, time.Time) {
	now := e.tree.Now()
	var lastKnown time.Time
	stale := false

	n, err := e.tree.Walk(path, fstree.WalkOptions{
		Identity: metadata.SystemIdentity(e.tree.Volume()),
		Visit: func(_, n *fstree.Node, _ string) error {
			if n.IsDir() && n.Mtime.After(lastKnown) {
				lastKnown = n.Mtime
			}
			if n.IsReadStale(now) {
				stale = true
			}
			return nil
		},
	})
	if err != nil {
		return false, lastKnown
	}
	if listing && n.IsDir() && !n.Listed {
		stale = true
	}
	fstree.Unlock(n, false)
	return !stale, lastKnown
}

func (e *Engine) fetchAndMerge(ctx context.Context, path string, lastKnown time.Time) error {
	components, err := metadata.SplitPath(path)
	if err != nil {
		return err
	}

	queryTime := e.tree.Now()
	listing, err := e.ms.ResolvePath(ctx, e.tree.Volume(), path, lastKnown)
	if err != nil {
		return metadata.Wrap(metadata.ErrRemoteUnavailable, err, "metadata service lookup failed")
	}
	if err := validateListing(path, components, listing); err != nil {
		return err
	}

	m := &merge{
		ctx:        ctx,
		tree:       e.tree,
		listing:    listing,
		components: components,
		queryTime:  queryTime,
		now:        e.tree.Now(),
	}
	n, err := e.tree.Walk(path, fstree.WalkOptions{
		Identity:      metadata.SystemIdentity(e.tree.Volume()),
		ExclusivePath: true,
		Exclusive:     true,
		Enter:         m.enter,
		Visit:         m.visit,
	})
	if errors.Is(err, errPathEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	fstree.Unlock(n, true)
	return nil
}

// validateListing rejects authoritative listings that cannot describe path.
func validateListing(path string, components []string, l *metadata.PathListing) error {
	invalid := func(msg string) error {
		return metadata.NewError(metadata.ErrRemoteDataInvalid, msg, path)
	}

	if len(l.Dirs) > len(components) {
		return invalid("listing holds more directories than the path")
	}
	for i, d := range l.Dirs {
		if d.Type != metadata.TypeDirectory {
			return invalid("listed path component is not a directory")
		}
		if i > 0 && d.Name != components[i-1] {
			return invalid("listed directory does not match the path")
		}
	}

	if l.Entry != nil {
		if len(l.Dirs) != len(components) {
			return invalid("terminal entry listed without its parents")
		}
		if !l.Entry.Type.Valid() {
			return invalid("terminal entry has an invalid type")
		}
		if len(components) == 0 && !l.Entry.IsDir() {
			return invalid("root is not a directory")
		}
		if len(components) > 0 && l.Entry.Name != components[len(components)-1] {
			return invalid("terminal entry does not match the path")
		}
	}

	if len(l.Children) > 0 && (l.Entry == nil || !l.Entry.IsDir()) {
		return invalid("children listed under a non-directory")
	}
	seen := make(map[string]struct{}, len(l.Children))
	for _, c := range l.Children {
		if !c.Type.Valid() || !metadata.ValidName(c.Name) {
			return invalid("listed child is malformed")
		}
		if _, dup := seen[c.Name]; dup {
			return invalid("listed child appears twice")
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// ============================================================================
// Merge
// ============================================================================

// merge carries the state of one merge walk. The walk visits the root
// first and then one node per path component, so depth tracks the
// component the walk is on.
type merge struct {
	ctx        context.Context
	tree       *fstree.Tree
	listing    *metadata.PathListing
	components []string
	queryTime  time.Time
	now        time.Time
	depth      int

	// localFrom is the first depth whose cached entry was created locally
	// after the query; records fetched for deeper entries describe
	// something else. Zero while the path matches.
	localFrom int
}

// remote returns the authoritative record of the path entry at depth d
// (0 is the root), or nil if it does not exist remotely.
func (m *merge) remote(d int) *metadata.Record {
	if m.localFrom > 0 && d >= m.localFrom {
		return nil
	}
	if d == len(m.components) {
		return m.listing.Entry
	}
	if d < len(m.listing.Dirs) {
		return &m.listing.Dirs[d]
	}
	return nil
}

// enter reconciles the cached child of parent with its authoritative
// record before the walk locks it. parent is held exclusively.
func (m *merge) enter(parent *fstree.Node, name string, child *fstree.Node) (*fstree.Node, error) {
	rec := m.remote(m.depth + 1)
	if rec == nil {
		if child == nil {
			return nil, errPathEnded
		}
		kept, err := m.removeStale(parent, child)
		if err != nil {
			return nil, err
		}
		if !kept {
			return nil, errPathEnded
		}
		return child, nil
	}
	if child == nil {
		return m.graft(parent, rec)
	}
	n, kept, err := m.reconcile(parent, child, rec)
	if kept && m.localFrom == 0 {
		m.localFrom = m.depth + 1
	}
	return n, err
}

// visit reloads a locked path entry from its record. The terminal entry of
// a directory path also gets its child set merged.
func (m *merge) visit(parent, n *fstree.Node, _ string) error {
	if parent != nil {
		m.depth++
	}
	rec := m.remote(m.depth)
	if rec == nil || !sameEntry(n, rec, parent == nil) {
		// created locally after the query
		return nil
	}

	terminal := m.depth == len(m.components)
	if canReload(n, rec, m.queryTime) {
		changed := !n.Mtime.Equal(rec.Mtime)
		n.Reload(rec, m.now)
		if n.IsDir() && changed && !terminal {
			n.Listed = false
		}
	}
	n.Refreshed(m.now)

	if terminal && n.IsDir() {
		return m.mergeChildren(n)
	}
	return nil
}

// mergeChildren brings dir's child set in line with the listing. dir is
// held exclusively.
func (m *merge) mergeChildren(dir *fstree.Node) error {
	remote := make(map[string]*metadata.Record, len(m.listing.Children))
	names := make([]string, 0, len(m.listing.Children))
	for i := range m.listing.Children {
		c := &m.listing.Children[i]
		remote[c.Name] = c
		names = append(names, c.Name)
	}
	sort.Strings(names)

	local := m.tree.Children(dir)
	for name, child := range local {
		if _, ok := remote[name]; ok {
			continue
		}
		if _, err := m.removeStale(dir, child); err != nil {
			return err
		}
	}

	for _, name := range names {
		rec := remote[name]
		child, ok := local[name]
		if !ok {
			if _, err := m.graft(dir, rec); err != nil {
				return err
			}
			continue
		}

		n, _, err := m.reconcile(dir, child, rec)
		if err != nil {
			return err
		}
		if n.Lock() != nil {
			continue
		}
		if sameEntry(n, rec, false) {
			if canReload(n, rec, m.queryTime) {
				if n.IsDir() && !n.Mtime.Equal(rec.Mtime) {
					n.Listed = false
				}
				n.Reload(rec, m.now)
			}
			n.Refreshed(m.now)
		}
		n.Unlock()
	}

	dir.Listed = true
	return nil
}

// removeStale detaches a child the authoritative view no longer has,
// unless it changed locally after the query. parent is held exclusively.
func (m *merge) removeStale(parent, child *fstree.Node) (kept bool, err error) {
	if child.Lock() != nil {
		// destroyed while we waited
		return false, nil
	}
	defer child.Unlock()

	if child.Changed.After(m.queryTime) {
		return true, nil
	}
	return false, m.detach(parent, child)
}

// reconcile checks that child is the entry rec describes. A child of the
// wrong type or identity is replaced by a fresh node, unless it changed
// locally after the query, in which case it is kept and reported as such. parent is
// held exclusively.
func (m *merge) reconcile(parent, child *fstree.Node, rec *metadata.Record) (*fstree.Node, bool, error) {
	if child.Lock() != nil {
		n, err := m.graft(parent, rec)
		return n, false, err
	}
	if sameEntry(child, rec, false) {
		child.Unlock()
		return child, false, nil
	}
	if child.Changed.After(m.queryTime) {
		child.Unlock()
		return child, true, nil
	}

	logger.Debug("Replacing cached %s %q (id %d) with remote %s (id %d)",
		child.Type, child.Name, child.FileID, rec.Type, rec.FileID)
	err := m.detach(parent, child)
	child.Unlock()
	if err != nil {
		return nil, false, err
	}
	n, err := m.graft(parent, rec)
	return n, false, err
}

// graft links a fresh node built from rec under parent.
func (m *merge) graft(parent *fstree.Node, rec *metadata.Record) (*fstree.Node, error) {
	n := fstree.NewNode(rec, m.now)
	if err := m.tree.Graft(parent, n); err != nil {
		return nil, inconsistent(err, rec.Name)
	}
	return n, nil
}

// detach removes child and its whole subtree as a remote deletion. The
// parent's mtime and change stamp are left alone: the deletion is not a
// local change.
func (m *merge) detach(parent, child *fstree.Node) error {
	mtime, changed := parent.Mtime, parent.Changed
	if child.IsDir() {
		m.tree.UnlinkSubtree(m.ctx, child)
	}
	if _, err := m.tree.Detach(m.ctx, parent, child, true); err != nil {
		return inconsistent(err, child.Name)
	}
	parent.Mtime = mtime
	parent.Changed = changed
	logger.Debug("Dropped cached entry %q (id %d) removed remotely", child.Name, child.FileID)
	return nil
}

// canReload reports whether n may be overwritten by a record fetched at
// queryTime. Entries changed locally after the query keep their local
// state. Directories reload only when their mtime or xattr nonce moved;
// files reload unless they hold unreplicated writes or a sync is in flight.
func canReload(n *fstree.Node, rec *metadata.Record, queryTime time.Time) bool {
	if n.Changed.After(queryTime) {
		return false
	}
	if n.IsDir() {
		return !n.Mtime.Equal(rec.Mtime) || n.XattrNonce != rec.XattrNonce
	}
	return !n.HasPendingWrites()
}

// sameEntry reports whether n is the entry rec describes. The root matches
// any directory record.
func sameEntry(n *fstree.Node, rec *metadata.Record, root bool) bool {
	if n.Type != rec.Type {
		return false
	}
	return root || n.FileID == rec.FileID
}

func inconsistent(err error, name string) error {
	return &metadata.Error{
		Code:    metadata.ErrInconsistent,
		Message: "cannot bring cached entry in line with the metadata service",
		Path:    name,
		Err:     err,
	}
}
