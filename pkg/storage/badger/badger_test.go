package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/storage"
	storagetesting "github.com/marmos91/wanfs/pkg/storage/testing"
)

func TestBadgerBlockStore(t *testing.T) {
	suite := &storagetesting.StoreTestSuite{
		NewStore: func(t *testing.T) storage.BlockStore {
			store, err := NewBadgerBlockStore(context.Background(), Config{InMemory: true})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}

	suite.Run(t)
}

func TestBadgerBlockStorePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := storage.BlockKey{FileID: 9, FileVersion: 2, BlockID: 1, BlockVersion: 4}

	store, err := NewBadgerBlockStore(ctx, Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.CommitBlock(ctx, key, []byte("durable")))
	require.NoError(t, store.Close())

	store, err = NewBadgerBlockStore(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	data, err := store.ReadBlock(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), data)
}

func TestKeyEncodingOrdersBlocks(t *testing.T) {
	a := blockKey(storage.BlockKey{FileID: 1, FileVersion: 1, BlockID: 2, BlockVersion: 9})
	b := blockKey(storage.BlockKey{FileID: 1, FileVersion: 1, BlockID: 10, BlockVersion: 1})
	assert.Less(t, string(a), string(b))

	key, ok := decodeKey(b)
	require.True(t, ok)
	assert.Equal(t, uint64(10), key.BlockID)
}
