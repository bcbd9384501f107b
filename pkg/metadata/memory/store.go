package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/wanfs/pkg/metadata"
)

// MemoryBackend implements metadata.Backend using in-memory maps.
//
// It is suitable for:
//   - Testing and development environments
//   - Single-process deployments where the namespace is ephemeral
//
// Thread Safety:
// All transactions are serialized by a single read-write mutex (mu). View
// takes the read lock, Update the write lock.
//
// Storage Model:
//
//  1. Records (records):
//     Maps file ids to their authoritative record.
//
//  2. Directory Hierarchy (children):
//     Maps each directory id to its child entries (name → file id).
//
//  3. Extended Attributes (xattrs):
//     Maps file ids to their attributes (name → value).
//
// Update transactions buffer their writes in an overlay and apply it only
// when the transaction function succeeds, so a failed mutation leaves the
// store untouched.
type MemoryBackend struct {
	mu sync.RWMutex

	records  map[uint64]*metadata.Record
	children map[uint64]map[string]uint64
	xattrs   map[uint64]map[string][]byte

	// nextID is the next file id to hand out. Ids below 2 are reserved
	// (0 = unassigned, 1 = root).
	nextID uint64

	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:  make(map[uint64]*metadata.Record),
		children: make(map[uint64]map[string]uint64),
		xattrs:   make(map[uint64]map[string][]byte),
		nextID:   metadata.RootID + 1,
	}
}

// NewService creates an in-memory metadata service for volume.
func NewService(ctx context.Context, volume uint64, opts metadata.NamespaceOptions) (*metadata.Namespace, error) {
	return metadata.NewNamespace(ctx, NewMemoryBackend(), volume, opts)
}

// View implements metadata.Backend.
func (b *MemoryBackend) View(ctx context.Context, fn func(metadata.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return metadata.NewError(metadata.ErrIO, "backend closed", "")
	}
	return fn(&txn{b: b})
}

// Update implements metadata.Backend.
func (b *MemoryBackend) Update(ctx context.Context, fn func(metadata.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return metadata.NewError(metadata.ErrIO, "backend closed", "")
	}

	t := &txn{
		b:        b,
		writable: true,
		records:  make(map[uint64]*metadata.Record),
		children: make(map[childKey]*uint64),
		xattrs:   make(map[xattrKey][]byte),
		nextID:   b.nextID,
	}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// Close implements metadata.Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type childKey struct {
	parent uint64
	name   string
}

type xattrKey struct {
	fileID uint64
	name   string
}

// txn reads through its overlay into the backend maps.
// A nil value in an overlay map records a deletion.
type txn struct {
	b        *MemoryBackend
	writable bool
	records  map[uint64]*metadata.Record
	children map[childKey]*uint64
	xattrs   map[xattrKey][]byte
	nextID   uint64
}

func (t *txn) Get(fileID uint64) (*metadata.Record, error) {
	if rec, ok := t.records[fileID]; ok {
		if rec == nil {
			return nil, metadata.Errorf(metadata.ErrNotFound, "no entry with id %d", fileID)
		}
		return rec.Clone(), nil
	}
	rec, ok := t.b.records[fileID]
	if !ok {
		return nil, metadata.Errorf(metadata.ErrNotFound, "no entry with id %d", fileID)
	}
	return rec.Clone(), nil
}

func (t *txn) Put(rec *metadata.Record) error {
	if !t.writable {
		return metadata.NewError(metadata.ErrInvalid, "write in read-only transaction", "")
	}
	t.records[rec.FileID] = rec.Clone()
	return nil
}

func (t *txn) Delete(fileID uint64) error {
	if _, err := t.Get(fileID); err != nil {
		return err
	}
	t.records[fileID] = nil
	return nil
}

func (t *txn) Child(parentID uint64, name string) (uint64, error) {
	if id, ok := t.children[childKey{parentID, name}]; ok {
		if id == nil {
			return 0, metadata.NewError(metadata.ErrNotFound, "no such entry", name)
		}
		return *id, nil
	}
	if entries, ok := t.b.children[parentID]; ok {
		if id, ok := entries[name]; ok {
			return id, nil
		}
	}
	return 0, metadata.NewError(metadata.ErrNotFound, "no such entry", name)
}

func (t *txn) SetChild(parentID uint64, name string, childID uint64) error {
	if !t.writable {
		return metadata.NewError(metadata.ErrInvalid, "write in read-only transaction", "")
	}
	id := childID
	t.children[childKey{parentID, name}] = &id
	return nil
}

func (t *txn) RemoveChild(parentID uint64, name string) error {
	if _, err := t.Child(parentID, name); err != nil {
		return err
	}
	t.children[childKey{parentID, name}] = nil
	return nil
}

func (t *txn) Children(parentID uint64) ([]uint64, error) {
	names := make(map[string]uint64)
	for name, id := range t.b.children[parentID] {
		names[name] = id
	}
	for key, id := range t.children {
		if key.parent != parentID {
			continue
		}
		if id == nil {
			delete(names, key.name)
		} else {
			names[key.name] = *id
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	ids := make([]uint64, 0, len(sorted))
	for _, name := range sorted {
		ids = append(ids, names[name])
	}
	return ids, nil
}

func (t *txn) NextID() (uint64, error) {
	if !t.writable {
		return 0, metadata.NewError(metadata.ErrInvalid, "write in read-only transaction", "")
	}
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *txn) Xattr(fileID uint64, name string) ([]byte, error) {
	value, ok := t.xattrs[xattrKey{fileID, name}]
	if !ok {
		value, ok = t.b.xattrs[fileID][name]
	}
	if !ok || value == nil {
		return nil, metadata.NewError(metadata.ErrNoAttribute, "no such attribute", name)
	}
	return append([]byte{}, value...), nil
}

func (t *txn) SetXattr(fileID uint64, name string, value []byte) error {
	if !t.writable {
		return metadata.NewError(metadata.ErrInvalid, "write in read-only transaction", "")
	}
	t.xattrs[xattrKey{fileID, name}] = append([]byte{}, value...)
	return nil
}

func (t *txn) RemoveXattr(fileID uint64, name string) error {
	if _, err := t.Xattr(fileID, name); err != nil {
		return err
	}
	t.xattrs[xattrKey{fileID, name}] = nil
	return nil
}

func (t *txn) Xattrs(fileID uint64) ([]string, error) {
	set := make(map[string]bool)
	for name := range t.b.xattrs[fileID] {
		set[name] = true
	}
	for key, value := range t.xattrs {
		if key.fileID == fileID {
			set[key.name] = value != nil
		}
	}
	names := make([]string, 0, len(set))
	for name, present := range set {
		if present {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *txn) Count() (uint64, error) {
	count := len(t.b.records)
	for id, rec := range t.records {
		_, stored := t.b.records[id]
		switch {
		case rec == nil && stored:
			count--
		case rec != nil && !stored:
			count++
		}
	}
	return uint64(count), nil
}

func (t *txn) commit() {
	b := t.b
	for id, rec := range t.records {
		if rec == nil {
			delete(b.records, id)
			delete(b.children, id)
			delete(b.xattrs, id)
			continue
		}
		b.records[id] = rec
	}
	for key, id := range t.children {
		if id == nil {
			delete(b.children[key.parent], key.name)
			continue
		}
		entries, ok := b.children[key.parent]
		if !ok {
			entries = make(map[string]uint64)
			b.children[key.parent] = entries
		}
		entries[key.name] = *id
	}
	for key, value := range t.xattrs {
		if value == nil {
			delete(b.xattrs[key.fileID], key.name)
			continue
		}
		attrs, ok := b.xattrs[key.fileID]
		if !ok {
			attrs = make(map[string][]byte)
			b.xattrs[key.fileID] = attrs
		}
		attrs[key.name] = value
	}
	b.nextID = t.nextID
}
