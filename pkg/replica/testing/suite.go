// Package testing provides a conformance suite for replica.Host
// implementations.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
)

// HostTestSuite runs the same checks against any replica.Host.
type HostTestSuite struct {
	NewHost func(t *testing.T) replica.Host
}

// Run executes every test of the suite.
func (s *HostTestSuite) Run(t *testing.T) {
	t.Run("BlockRoundTrip", s.testBlockRoundTrip)
	t.Run("BlockMissing", s.testBlockMissing)
	t.Run("BlockDelete", s.testBlockDelete)
	t.Run("ManifestRoundTrip", s.testManifestRoundTrip)
	t.Run("ManifestNewest", s.testManifestNewest)
	t.Run("ManifestDelete", s.testManifestDelete)
}

func blockRef(id uint64, version int64) replica.BlockRef {
	return replica.BlockRef{Volume: 1, FileID: 0xabc, FileVersion: 2, BlockID: id, BlockVersion: version}
}

func testMessage(mtime time.Time, location uint64) *manifest.Message {
	m := manifest.New(2)
	m.Insert(location, 2, 0, 1)
	m.Insert(location, 2, 1, 1)
	m.Touch(mtime)
	msg := m.ToMessage()
	msg.Volume = 1
	msg.FileID = 0xabc
	msg.Size = 8192
	msg.SetMtime(mtime)
	return msg
}

func (s *HostTestSuite) testBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := s.NewHost(t)

	data := []byte("replicated block content, replicated block content")
	require.NoError(t, h.PutBlock(ctx, blockRef(3, 1), data))

	got, err := h.GetBlock(ctx, blockRef(3, 1))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = h.GetBlock(ctx, blockRef(3, 2))
	assert.True(t, metadata.IsNotFound(err), "versions are distinct objects: %v", err)
}

func (s *HostTestSuite) testBlockMissing(t *testing.T) {
	_, err := s.NewHost(t).GetBlock(context.Background(), blockRef(9, 9))
	require.Error(t, err)
	assert.True(t, metadata.IsNotFound(err))
}

func (s *HostTestSuite) testBlockDelete(t *testing.T) {
	ctx := context.Background()
	h := s.NewHost(t)

	require.NoError(t, h.PutBlock(ctx, blockRef(1, 1), []byte("x")))
	require.NoError(t, h.DeleteBlock(ctx, blockRef(1, 1)))

	_, err := h.GetBlock(ctx, blockRef(1, 1))
	assert.True(t, metadata.IsNotFound(err))
}

func (s *HostTestSuite) testManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := s.NewHost(t)

	mtime := time.Unix(1700000000, 123456789)
	msg := testMessage(mtime, 7)
	require.NoError(t, h.PutManifest(ctx, msg))

	got, err := h.GetManifest(ctx, replica.ManifestRef{Volume: 1, FileID: 0xabc, FileVersion: 2, ManifestMtime: mtime})
	require.NoError(t, err)
	assert.Equal(t, msg.Ranges[0].Location, got.Ranges[0].Location)
	assert.True(t, got.ManifestMtime().Equal(mtime))
	assert.Equal(t, int64(8192), got.Size)
}

func (s *HostTestSuite) testManifestNewest(t *testing.T) {
	ctx := context.Background()
	h := s.NewHost(t)

	older := time.Unix(1700000000, 0)
	newer := time.Unix(1700000100, 5)
	require.NoError(t, h.PutManifest(ctx, testMessage(newer, 8)))
	require.NoError(t, h.PutManifest(ctx, testMessage(older, 7)))

	got, err := h.GetManifest(ctx, replica.ManifestRef{Volume: 1, FileID: 0xabc, FileVersion: 2})
	require.NoError(t, err)
	assert.True(t, got.ManifestMtime().Equal(newer))
	assert.Equal(t, uint64(8), got.Ranges[0].Location)

	_, err = h.GetManifest(ctx, replica.ManifestRef{Volume: 1, FileID: 0xabc, FileVersion: 3})
	assert.True(t, metadata.IsNotFound(err))
}

func (s *HostTestSuite) testManifestDelete(t *testing.T) {
	ctx := context.Background()
	h := s.NewHost(t)

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, h.PutManifest(ctx, testMessage(mtime, 7)))

	ref := replica.ManifestRef{Volume: 1, FileID: 0xabc, FileVersion: 2, ManifestMtime: mtime}
	require.NoError(t, h.DeleteManifest(ctx, ref))

	_, err := h.GetManifest(ctx, ref)
	assert.True(t, metadata.IsNotFound(err))
}
