// Package testing provides a conformance suite for storage.BlockStore
// implementations.
package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/storage"
)

// StoreTestSuite tests the BlockStore contract, not implementation
// details, so it runs unchanged against every backend.
//
// Usage:
//
//	func TestMyBlockStore(t *testing.T) {
//	    suite := &storagetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) storage.BlockStore {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) storage.BlockStore
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("CommitAndRead", suite.testCommitAndRead)
	t.Run("ReadMissing", suite.testReadMissing)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("VersionsCoexist", suite.testVersionsCoexist)
	t.Run("Remove", suite.testRemove)
	t.Run("List", suite.testList)
	t.Run("Reversion", suite.testReversion)
	t.Run("ReversionMerges", suite.testReversionMerges)
	t.Run("Evict", suite.testEvict)
	t.Run("CancelledContext", suite.testCancelledContext)
}

func key(fileID uint64, fileVersion int64, blockID uint64, blockVersion int64) storage.BlockKey {
	return storage.BlockKey{FileID: fileID, FileVersion: fileVersion, BlockID: blockID, BlockVersion: blockVersion}
}

func mustCommit(t *testing.T, store storage.BlockStore, k storage.BlockKey, data string) {
	t.Helper()
	require.NoError(t, store.CommitBlock(context.Background(), k, []byte(data)), "CommitBlock should succeed")
}

func mustRead(t *testing.T, store storage.BlockStore, k storage.BlockKey) string {
	t.Helper()
	data, err := store.ReadBlock(context.Background(), k)
	require.NoError(t, err, "ReadBlock should succeed")
	return string(data)
}

// AssertNotFound checks that err wraps storage.ErrBlockNotFound.
func AssertNotFound(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, storage.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound, got %v", err)
	}
}

func (suite *StoreTestSuite) testCommitAndRead(t *testing.T) {
	store := suite.NewStore(t)
	k := key(1, 1, 0, 1)

	mustCommit(t, store, k, "hello")
	assert.Equal(t, "hello", mustRead(t, store, k))

	ok, err := store.HasBlock(context.Background(), k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func (suite *StoreTestSuite) testReadMissing(t *testing.T) {
	store := suite.NewStore(t)

	_, err := store.ReadBlock(context.Background(), key(1, 1, 0, 1))
	AssertNotFound(t, err)

	ok, err := store.HasBlock(context.Background(), key(1, 1, 0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	store := suite.NewStore(t)
	k := key(1, 1, 0, 1)

	mustCommit(t, store, k, "first")
	mustCommit(t, store, k, "second")
	assert.Equal(t, "second", mustRead(t, store, k))
}

func (suite *StoreTestSuite) testVersionsCoexist(t *testing.T) {
	store := suite.NewStore(t)

	mustCommit(t, store, key(1, 1, 0, 1), "v1")
	mustCommit(t, store, key(1, 1, 0, 2), "v2")
	mustCommit(t, store, key(1, 2, 0, 1), "other file version")
	mustCommit(t, store, key(2, 1, 0, 1), "other file")

	assert.Equal(t, "v1", mustRead(t, store, key(1, 1, 0, 1)))
	assert.Equal(t, "v2", mustRead(t, store, key(1, 1, 0, 2)))
	assert.Equal(t, "other file version", mustRead(t, store, key(1, 2, 0, 1)))
	assert.Equal(t, "other file", mustRead(t, store, key(2, 1, 0, 1)))
}

func (suite *StoreTestSuite) testRemove(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	mustCommit(t, store, key(1, 1, 0, 1), "a")
	mustCommit(t, store, key(1, 1, 0, 2), "b")

	require.NoError(t, store.RemoveBlock(ctx, key(1, 1, 0, 1)))
	_, err := store.ReadBlock(ctx, key(1, 1, 0, 1))
	AssertNotFound(t, err)
	assert.Equal(t, "b", mustRead(t, store, key(1, 1, 0, 2)))

	require.NoError(t, store.RemoveBlock(ctx, key(1, 1, 0, 1)), "removing twice is not an error")
	require.NoError(t, store.RemoveBlock(ctx, key(7, 7, 7, 7)), "removing a missing key is not an error")
}

func (suite *StoreTestSuite) testList(t *testing.T) {
	store := suite.NewStore(t)

	mustCommit(t, store, key(1, 1, 10, 1), "x")
	mustCommit(t, store, key(1, 1, 2, 5), "x")
	mustCommit(t, store, key(1, 1, 2, 3), "x")
	mustCommit(t, store, key(1, 2, 0, 1), "x")

	keys, err := store.ListBlocks(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []storage.BlockKey{key(1, 1, 2, 3), key(1, 1, 2, 5), key(1, 1, 10, 1)}, keys)

	keys, err = store.ListBlocks(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func (suite *StoreTestSuite) testReversion(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	mustCommit(t, store, key(1, 1, 0, 1), "a")
	mustCommit(t, store, key(1, 1, 1, 1), "b")

	require.NoError(t, store.ReversionFile(ctx, 1, 1, 2))

	_, err := store.ReadBlock(ctx, key(1, 1, 0, 1))
	AssertNotFound(t, err)
	assert.Equal(t, "a", mustRead(t, store, key(1, 2, 0, 1)))
	assert.Equal(t, "b", mustRead(t, store, key(1, 2, 1, 1)))

	require.NoError(t, store.ReversionFile(ctx, 1, 5, 6), "reversioning an empty version is a no-op")
}

func (suite *StoreTestSuite) testReversionMerges(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	mustCommit(t, store, key(1, 1, 0, 1), "old")
	mustCommit(t, store, key(1, 2, 1, 1), "existing")

	require.NoError(t, store.ReversionFile(ctx, 1, 1, 2))

	assert.Equal(t, "old", mustRead(t, store, key(1, 2, 0, 1)))
	assert.Equal(t, "existing", mustRead(t, store, key(1, 2, 1, 1)))

	keys, err := store.ListBlocks(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func (suite *StoreTestSuite) testEvict(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	mustCommit(t, store, key(1, 1, 0, 1), "a")
	mustCommit(t, store, key(1, 1, 1, 1), "b")
	mustCommit(t, store, key(1, 2, 0, 1), "keep")

	require.NoError(t, store.EvictFile(ctx, 1, 1))

	keys, err := store.ListBlocks(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, "keep", mustRead(t, store, key(1, 2, 0, 1)))

	require.NoError(t, store.EvictFile(ctx, 1, 1), "evicting twice is not an error")
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.CommitBlock(ctx, key(1, 1, 0, 1), []byte("x")), context.Canceled)
	_, err := store.ReadBlock(ctx, key(1, 1, 0, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
