// Package fs implements filesystem-based block storage.
//
// Layout:
//
//	<base>/<file id hex>.<file version>/<block id>.<block version>
//
// One directory per file version keeps reversioning and eviction to a
// single directory rename or removal.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marmos91/wanfs/pkg/storage"
)

// FSBlockStore implements storage.BlockStore on the local filesystem.
//
// Thread Safety:
// Blocks are written to a temporary file and renamed into place, so a
// reader never observes a partially written block. Distinct block versions
// never share a path.
type FSBlockStore struct {
	basePath string
	sync     bool
}

// Config configures an FSBlockStore.
type Config struct {
	// Path is the root directory for block files
	Path string `mapstructure:"path" validate:"required"`

	// Fsync forces every committed block to stable storage
	Fsync bool `mapstructure:"fsync"`
}

// NewFSBlockStore creates a filesystem block store, creating the base
// directory if it doesn't exist.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Store configuration
//
// Returns:
//   - *FSBlockStore: Initialized store
//   - error: Returns error if directory creation fails or context is cancelled
func NewFSBlockStore(ctx context.Context, cfg Config) (*FSBlockStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("filesystem block store requires a path")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSBlockStore{basePath: cfg.Path, sync: cfg.Fsync}, nil
}

func (s *FSBlockStore) fileDir(fileID uint64, version int64) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%016x.%d", fileID, version))
}

func (s *FSBlockStore) blockPath(key storage.BlockKey) string {
	return filepath.Join(s.fileDir(key.FileID, key.FileVersion), fmt.Sprintf("%d.%d", key.BlockID, key.BlockVersion))
}

// CommitBlock implements storage.BlockStore.
func (s *FSBlockStore) CommitBlock(ctx context.Context, key storage.BlockKey, data []byte) error {
	// ========================================================================
	// Step 1: Check context before filesystem operation
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.fileDir(key.FileID, key.FileVersion)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create file directory: %w", err)
	}

	// ========================================================================
	// Step 2: Write to a temporary file and rename it into place
	// ========================================================================

	tmp, err := os.CreateTemp(dir, ".commit-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary block file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write block %s: %w", key, err)
	}
	if s.sync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to sync block %s: %w", key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close block %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.blockPath(key)); err != nil {
		return fmt.Errorf("failed to commit block %s: %w", key, err)
	}
	return nil
}

// ReadBlock implements storage.BlockStore.
func (s *FSBlockStore) ReadBlock(ctx context.Context, key storage.BlockKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blockPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("block %s: %w", key, storage.ErrBlockNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", key, err)
	}
	return data, nil
}

// HasBlock implements storage.BlockStore.
func (s *FSBlockStore) HasBlock(ctx context.Context, key storage.BlockKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.blockPath(key))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat block %s: %w", key, err)
	}
	return true, nil
}

// RemoveBlock implements storage.BlockStore.
func (s *FSBlockStore) RemoveBlock(ctx context.Context, key storage.BlockKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.blockPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove block %s: %w", key, err)
	}
	return nil
}

// ListBlocks implements storage.BlockStore.
func (s *FSBlockStore) ListBlocks(ctx context.Context, fileID uint64, fileVersion int64) ([]storage.BlockKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.fileDir(fileID, fileVersion))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	keys := make([]storage.BlockKey, 0, len(entries))
	for _, e := range entries {
		blockID, version, ok := parseBlockName(e.Name())
		if !ok {
			continue
		}
		keys = append(keys, storage.BlockKey{
			FileID:       fileID,
			FileVersion:  fileVersion,
			BlockID:      blockID,
			BlockVersion: version,
		})
	}
	storage.SortKeys(keys)
	return keys, nil
}

func parseBlockName(name string) (uint64, int64, bool) {
	idPart, versionPart, ok := strings.Cut(name, ".")
	if !ok || idPart == "" {
		return 0, 0, false
	}
	blockID, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	version, err := strconv.ParseInt(versionPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return blockID, version, true
}

// ReversionFile implements storage.BlockStore.
func (s *FSBlockStore) ReversionFile(ctx context.Context, fileID uint64, oldVersion, newVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if oldVersion == newVersion {
		return nil
	}

	oldDir := s.fileDir(fileID, oldVersion)
	newDir := s.fileDir(fileID, newVersion)

	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(newDir); os.IsNotExist(err) {
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("failed to reversion file %x: %w", fileID, err)
		}
		return nil
	}

	// Both versions hold blocks: move them one by one
	keys, err := s.ListBlocks(ctx, fileID, oldVersion)
	if err != nil {
		return err
	}
	for _, key := range keys {
		target := key
		target.FileVersion = newVersion
		if err := os.Rename(s.blockPath(key), s.blockPath(target)); err != nil {
			return fmt.Errorf("failed to reversion block %s: %w", key, err)
		}
	}
	return os.RemoveAll(oldDir)
}

// EvictFile implements storage.BlockStore.
func (s *FSBlockStore) EvictFile(ctx context.Context, fileID uint64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.fileDir(fileID, version)); err != nil {
		return fmt.Errorf("failed to evict file %x.%d: %w", fileID, version, err)
	}
	return nil
}

// Close implements storage.BlockStore.
func (s *FSBlockStore) Close() error { return nil }
