package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/wanfs/pkg/metadata"
)

// Database Key Namespace Design
// ==============================
//
// Data Type             Prefix   Key Format                     Value Type
// ==========================================================================
// Records               "r:"     r:<fileid hex>                 Record (JSON)
// Children Map          "c:"     c:<parent hex>:<childName>     child id (uint64, big endian)
// Extended Attributes   "x:"     x:<fileid hex>:<attrName>      raw value
// Id Sequence           "seq:"   seq:id                         next id (uint64, big endian)
//
// Children are denormalized (one key per entry) so a directory listing is a
// prefix scan; badger iterates keys in byte order, which yields entries
// sorted by name.
const (
	prefixRecord = "r:"
	prefixChild  = "c:"
	prefixXattr  = "x:"
	keySequence  = "seq:id"
)

func recordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixRecord, id))
}

func childPrefix(parent uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", prefixChild, parent))
}

func childKey(parent uint64, name string) []byte {
	return append(childPrefix(parent), name...)
}

func xattrPrefix(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", prefixXattr, id))
}

func xattrKey(id uint64, name string) []byte {
	return append(xattrPrefix(id), name...)
}

// Config configures a BadgerBackend.
type Config struct {
	// Path is the database directory
	Path string `mapstructure:"path"`

	// InMemory runs badger without touching disk (tests)
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerBackend implements metadata.Backend on BadgerDB.
//
// Every metadata.Backend transaction maps onto one badger transaction, so
// a failed mutation is discarded atomically and survives crashes once
// committed.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens (or creates) a badger database.
func NewBadgerBackend(ctx context.Context, cfg Config) (*BadgerBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger metadata backend requires a path")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING) // Reduce log noise
	opts = opts.WithCompression(options.None)    // Records are small

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &BadgerBackend{db: db}, nil
}

// NewService opens a badger-backed metadata service for volume.
func NewService(ctx context.Context, cfg Config, volume uint64, opts metadata.NamespaceOptions) (*metadata.Namespace, error) {
	backend, err := NewBadgerBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ns, err := metadata.NewNamespace(ctx, backend, volume, opts)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return ns, nil
}

// View implements metadata.Backend.
func (b *BadgerBackend) View(ctx context.Context, fn func(metadata.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Update implements metadata.Backend.
func (b *BadgerBackend) Update(ctx context.Context, fn func(metadata.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Close implements metadata.Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(fileID uint64) (*metadata.Record, error) {
	item, err := t.txn.Get(recordKey(fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metadata.Errorf(metadata.ErrNotFound, "no entry with id %d", fileID)
	} else if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "failed to read record")
	}

	var rec metadata.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "failed to decode record")
	}
	return &rec, nil
}

func (t *badgerTxn) Put(rec *metadata.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return metadata.Wrap(metadata.ErrIO, err, "failed to encode record")
	}
	return t.txn.Set(recordKey(rec.FileID), data)
}

func (t *badgerTxn) Delete(fileID uint64) error {
	if _, err := t.Get(fileID); err != nil {
		return err
	}
	return t.txn.Delete(recordKey(fileID))
}

func (t *badgerTxn) Child(parentID uint64, name string) (uint64, error) {
	item, err := t.txn.Get(childKey(parentID, name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, metadata.NewError(metadata.ErrNotFound, "no such entry", name)
	} else if err != nil {
		return 0, metadata.Wrap(metadata.ErrIO, err, "failed to read child")
	}
	var id uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed child id (%d bytes)", len(val))
		}
		id = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		return 0, metadata.Wrap(metadata.ErrIO, err, "failed to decode child")
	}
	return id, nil
}

func (t *badgerTxn) SetChild(parentID uint64, name string, childID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, childID)
	return t.txn.Set(childKey(parentID, name), val)
}

func (t *badgerTxn) RemoveChild(parentID uint64, name string) error {
	if _, err := t.Child(parentID, name); err != nil {
		return err
	}
	return t.txn.Delete(childKey(parentID, name))
}

func (t *badgerTxn) Children(parentID uint64) ([]uint64, error) {
	prefix := childPrefix(parentID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ids []uint64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("malformed child id (%d bytes)", len(val))
			}
			ids = append(ids, binary.BigEndian.Uint64(val))
			return nil
		})
		if err != nil {
			return nil, metadata.Wrap(metadata.ErrIO, err, "failed to decode child")
		}
	}
	return ids, nil
}

func (t *badgerTxn) NextID() (uint64, error) {
	next := metadata.RootID + 1
	item, err := t.txn.Get([]byte(keySequence))
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			next = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, metadata.Wrap(metadata.ErrIO, err, "failed to read id sequence")
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, metadata.Wrap(metadata.ErrIO, err, "failed to read id sequence")
	}

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, next+1)
	if err := t.txn.Set([]byte(keySequence), val); err != nil {
		return 0, metadata.Wrap(metadata.ErrIO, err, "failed to advance id sequence")
	}
	return next, nil
}

func (t *badgerTxn) Xattr(fileID uint64, name string) ([]byte, error) {
	item, err := t.txn.Get(xattrKey(fileID, name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metadata.NewError(metadata.ErrNoAttribute, "no such attribute", name)
	} else if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "failed to read attribute")
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrIO, err, "failed to read attribute")
	}
	return value, nil
}

func (t *badgerTxn) SetXattr(fileID uint64, name string, value []byte) error {
	if err := t.txn.Set(xattrKey(fileID, name), append([]byte{}, value...)); err != nil {
		return metadata.Wrap(metadata.ErrIO, err, "failed to write attribute")
	}
	return nil
}

func (t *badgerTxn) RemoveXattr(fileID uint64, name string) error {
	if _, err := t.Xattr(fileID, name); err != nil {
		return err
	}
	return t.txn.Delete(xattrKey(fileID, name))
}

func (t *badgerTxn) Xattrs(fileID uint64) ([]string, error) {
	prefix := xattrPrefix(fileID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var names []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		names = append(names, string(it.Item().Key()[len(prefix):]))
	}
	return names, nil
}

func (t *badgerTxn) Count() (uint64, error) {
	prefix := []byte(prefixRecord)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var count uint64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
	}
	return count, nil
}
