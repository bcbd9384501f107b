package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/storage"
	storagetesting "github.com/marmos91/wanfs/pkg/storage/testing"
)

func TestFSBlockStore(t *testing.T) {
	suite := &storagetesting.StoreTestSuite{
		NewStore: func(t *testing.T) storage.BlockStore {
			store, err := NewFSBlockStore(context.Background(), Config{Path: t.TempDir(), Fsync: true})
			require.NoError(t, err)
			return store
		},
	}

	suite.Run(t)
}

func TestFSBlockStoreIgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSBlockStore(ctx, Config{Path: base})
	require.NoError(t, err)

	key := storage.BlockKey{FileID: 1, FileVersion: 1, BlockID: 2, BlockVersion: 3}
	require.NoError(t, store.CommitBlock(ctx, key, []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(store.fileDir(1, 1), "README"), []byte("?"), 0644))

	keys, err := store.ListBlocks(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []storage.BlockKey{key}, keys)
}

func TestNewFSBlockStoreRequiresPath(t *testing.T) {
	_, err := NewFSBlockStore(context.Background(), Config{})
	assert.Error(t, err)
}
