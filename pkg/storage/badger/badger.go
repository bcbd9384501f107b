// Package badger implements block storage on BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/wanfs/pkg/storage"
)

// Key layout
// ==========
//
//	"b:" | file id (8) | file version (8) | block id (8) | block version (8)
//
// All integers are big endian, so a prefix scan over one file version
// returns its blocks ordered by block id, then block version. Versions are
// non-negative.
const prefixBlock = "b:"

func filePrefix(fileID uint64, version int64) []byte {
	buf := make([]byte, 0, len(prefixBlock)+16)
	buf = append(buf, prefixBlock...)
	buf = binary.BigEndian.AppendUint64(buf, fileID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(version))
	return buf
}

func blockKey(key storage.BlockKey) []byte {
	buf := filePrefix(key.FileID, key.FileVersion)
	buf = binary.BigEndian.AppendUint64(buf, key.BlockID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(key.BlockVersion))
	return buf
}

func decodeKey(raw []byte) (storage.BlockKey, bool) {
	if len(raw) != len(prefixBlock)+32 {
		return storage.BlockKey{}, false
	}
	raw = raw[len(prefixBlock):]
	return storage.BlockKey{
		FileID:       binary.BigEndian.Uint64(raw[0:8]),
		FileVersion:  int64(binary.BigEndian.Uint64(raw[8:16])),
		BlockID:      binary.BigEndian.Uint64(raw[16:24]),
		BlockVersion: int64(binary.BigEndian.Uint64(raw[24:32])),
	}, true
}

// Config configures a BadgerBlockStore.
type Config struct {
	// Path is the database directory
	Path string `mapstructure:"path"`

	// InMemory runs badger without touching disk (tests)
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerBlockStore stores blocks as values of a BadgerDB database.
//
// Thread Safety:
// Safe for concurrent use; every operation runs in its own badger
// transaction.
type BadgerBlockStore struct {
	db *badger.DB
}

// NewBadgerBlockStore opens (or creates) a badger block database.
func NewBadgerBlockStore(ctx context.Context, cfg Config) (*BadgerBlockStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger block store requires a path")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &BadgerBlockStore{db: db}, nil
}

// CommitBlock implements storage.BlockStore.
func (s *BadgerBlockStore) CommitBlock(ctx context.Context, key storage.BlockKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(key), append([]byte(nil), data...))
	})
}

// ReadBlock implements storage.BlockStore.
func (s *BadgerBlockStore) ReadBlock(ctx context.Context, key storage.BlockKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("block %s: %w", key, storage.ErrBlockNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", key, err)
	}
	return data, nil
}

// HasBlock implements storage.BlockStore.
func (s *BadgerBlockStore) HasBlock(ctx context.Context, key storage.BlockKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RemoveBlock implements storage.BlockStore.
func (s *BadgerBlockStore) RemoveBlock(ctx context.Context, key storage.BlockKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(key))
	})
}

// scan collects the keys stored for one file version.
func scan(txn *badger.Txn, fileID uint64, version int64) []storage.BlockKey {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = filePrefix(fileID, version)

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []storage.BlockKey
	for it.Rewind(); it.Valid(); it.Next() {
		if key, ok := decodeKey(it.Item().Key()); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// ListBlocks implements storage.BlockStore.
func (s *BadgerBlockStore) ListBlocks(ctx context.Context, fileID uint64, fileVersion int64) ([]storage.BlockKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []storage.BlockKey
	err := s.db.View(func(txn *badger.Txn) error {
		keys = scan(txn, fileID, fileVersion)
		return nil
	})
	return keys, err
}

// ReversionFile implements storage.BlockStore.
func (s *BadgerBlockStore) ReversionFile(ctx context.Context, fileID uint64, oldVersion, newVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if oldVersion == newVersion {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range scan(txn, fileID, oldVersion) {
			item, err := txn.Get(blockKey(key))
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			target := key
			target.FileVersion = newVersion
			if err := txn.Set(blockKey(target), data); err != nil {
				return err
			}
			if err := txn.Delete(blockKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// EvictFile implements storage.BlockStore.
func (s *BadgerBlockStore) EvictFile(ctx context.Context, fileID uint64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range scan(txn, fileID, version) {
			if err := txn.Delete(blockKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements storage.BlockStore.
func (s *BadgerBlockStore) Close() error {
	return s.db.Close()
}
