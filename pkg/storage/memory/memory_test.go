package memory

import (
	"testing"

	"github.com/marmos91/wanfs/pkg/storage"
	storagetesting "github.com/marmos91/wanfs/pkg/storage/testing"
)

// TestMemoryBlockStore runs the complete BlockStore test suite
// against the MemoryBlockStore implementation.
func TestMemoryBlockStore(t *testing.T) {
	suite := &storagetesting.StoreTestSuite{
		NewStore: func(t *testing.T) storage.BlockStore {
			return NewMemoryBlockStore()
		},
	}

	suite.Run(t)
}
