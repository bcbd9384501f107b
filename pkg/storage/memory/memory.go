// Package memory implements an in-memory block store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/wanfs/pkg/storage"
)

type fileKey struct {
	fileID  uint64
	version int64
}

type blockKey struct {
	blockID uint64
	version int64
}

// MemoryBlockStore keeps blocks in RAM. Contents are lost on restart.
//
// Thread Safety:
// All operations are protected by a single RWMutex.
type MemoryBlockStore struct {
	mu     sync.RWMutex
	files  map[fileKey]map[blockKey][]byte
	closed bool
}

// NewMemoryBlockStore creates an empty store.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{files: make(map[fileKey]map[blockKey][]byte)}
}

func split(key storage.BlockKey) (fileKey, blockKey) {
	return fileKey{key.FileID, key.FileVersion}, blockKey{key.BlockID, key.BlockVersion}
}

func (s *MemoryBlockStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("memory block store is closed")
	}
	return nil
}

// CommitBlock implements storage.BlockStore.
func (s *MemoryBlockStore) CommitBlock(ctx context.Context, key storage.BlockKey, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	fk, bk := split(key)
	blocks, ok := s.files[fk]
	if !ok {
		blocks = make(map[blockKey][]byte)
		s.files[fk] = blocks
	}
	blocks[bk] = append([]byte(nil), data...)
	return nil
}

// ReadBlock implements storage.BlockStore.
func (s *MemoryBlockStore) ReadBlock(ctx context.Context, key storage.BlockKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	fk, bk := split(key)
	data, ok := s.files[fk][bk]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", key, storage.ErrBlockNotFound)
	}
	return append([]byte(nil), data...), nil
}

// HasBlock implements storage.BlockStore.
func (s *MemoryBlockStore) HasBlock(ctx context.Context, key storage.BlockKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	fk, bk := split(key)
	_, ok := s.files[fk][bk]
	return ok, nil
}

// RemoveBlock implements storage.BlockStore.
func (s *MemoryBlockStore) RemoveBlock(ctx context.Context, key storage.BlockKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	fk, bk := split(key)
	if blocks, ok := s.files[fk]; ok {
		delete(blocks, bk)
		if len(blocks) == 0 {
			delete(s.files, fk)
		}
	}
	return nil
}

// ListBlocks implements storage.BlockStore.
func (s *MemoryBlockStore) ListBlocks(ctx context.Context, fileID uint64, fileVersion int64) ([]storage.BlockKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	blocks := s.files[fileKey{fileID, fileVersion}]
	keys := make([]storage.BlockKey, 0, len(blocks))
	for bk := range blocks {
		keys = append(keys, storage.BlockKey{
			FileID:       fileID,
			FileVersion:  fileVersion,
			BlockID:      bk.blockID,
			BlockVersion: bk.version,
		})
	}
	storage.SortKeys(keys)
	return keys, nil
}

// ReversionFile implements storage.BlockStore.
func (s *MemoryBlockStore) ReversionFile(ctx context.Context, fileID uint64, oldVersion, newVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if oldVersion == newVersion {
		return nil
	}

	old, ok := s.files[fileKey{fileID, oldVersion}]
	if !ok {
		return nil
	}
	delete(s.files, fileKey{fileID, oldVersion})

	target, ok := s.files[fileKey{fileID, newVersion}]
	if !ok {
		s.files[fileKey{fileID, newVersion}] = old
		return nil
	}
	for bk, data := range old {
		target[bk] = data
	}
	return nil
}

// EvictFile implements storage.BlockStore.
func (s *MemoryBlockStore) EvictFile(ctx context.Context, fileID uint64, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.files, fileKey{fileID, version})
	return nil
}

// Close implements storage.BlockStore.
func (s *MemoryBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.files = make(map[fileKey]map[blockKey][]byte)
	return nil
}
