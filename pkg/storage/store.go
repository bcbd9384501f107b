// Package storage defines the gateway's local block storage.
//
// A gateway keeps the blocks it has written (and blocks it collated from
// peers) in a BlockStore. Every stored block is addressed by the file it
// belongs to, the file version, the block id and the block version, so
// several versions of one block can coexist until the superseded ones are
// garbage collected.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrBlockNotFound indicates the requested block version is not stored.
var ErrBlockNotFound = errors.New("block not found")

// BlockKey addresses one version of one block.
type BlockKey struct {
	FileID       uint64
	FileVersion  int64
	BlockID      uint64
	BlockVersion int64
}

// String renders the key as "file.version/block.version".
func (k BlockKey) String() string {
	return fmt.Sprintf("%x.%d/%d.%d", k.FileID, k.FileVersion, k.BlockID, k.BlockVersion)
}

// BlockStore is the local block storage collaborator.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// Writers never share a key: a block version is written once and then only
// read or removed.
type BlockStore interface {
	// CommitBlock durably stores data under key, replacing any previous
	// content of the same key.
	CommitBlock(ctx context.Context, key BlockKey, data []byte) error

	// ReadBlock returns the stored data. Missing keys return an error
	// wrapping ErrBlockNotFound.
	ReadBlock(ctx context.Context, key BlockKey) ([]byte, error)

	// HasBlock reports whether key is stored.
	HasBlock(ctx context.Context, key BlockKey) (bool, error)

	// RemoveBlock deletes key. Removing a missing key is not an error.
	RemoveBlock(ctx context.Context, key BlockKey) error

	// ListBlocks returns the keys stored for one version of a file, ordered
	// by block id then block version.
	ListBlocks(ctx context.Context, fileID uint64, fileVersion int64) ([]BlockKey, error)

	// ReversionFile moves every block of fileID from oldVersion to
	// newVersion. Blocks already stored under newVersion with the same
	// block id and block version are overwritten.
	ReversionFile(ctx context.Context, fileID uint64, oldVersion, newVersion int64) error

	// EvictFile removes every block of one version of a file.
	EvictFile(ctx context.Context, fileID uint64, version int64) error

	// Close releases the store's resources.
	Close() error
}

// SortKeys orders keys by block id, then block version.
func SortKeys(keys []BlockKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BlockID != keys[j].BlockID {
			return keys[i].BlockID < keys[j].BlockID
		}
		return keys[i].BlockVersion < keys[j].BlockVersion
	})
}
