package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVolume uint64 = 7

// ServiceTestSuite is a test suite for metadata.Backend implementations.
// It runs the metadata.Service contract through a Namespace built on top of
// the backend, so every backend is held to the same semantics.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &testing.ServiceTestSuite{
//	        NewBackend: func(t *testing.T) metadata.Backend {
//	            return mybackend.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type ServiceTestSuite struct {
	// NewBackend creates a fresh, empty backend for each test.
	NewBackend func(t *testing.T) metadata.Backend
}

// Run executes all tests in the suite.
func (suite *ServiceTestSuite) Run(t *testing.T) {
	t.Run("Root", suite.testRoot)
	t.Run("CreateAndResolve", suite.testCreateAndResolve)
	t.Run("CreateErrors", suite.testCreateErrors)
	t.Run("ResolveMissing", suite.testResolveMissing)
	t.Run("UpdateNonce", suite.testUpdateNonce)
	t.Run("Delete", suite.testDelete)
	t.Run("Rename", suite.testRename)
	t.Run("RenameErrors", suite.testRenameErrors)
	t.Run("QueueUpdate", suite.testQueueUpdate)
	t.Run("QueueUpdateMtime", suite.testQueueUpdateMtime)
	t.Run("Xattrs", suite.testXattrs)
	t.Run("XattrsRemovedWithEntry", suite.testXattrsRemovedWithEntry)
	t.Run("CountFiles", suite.testCountFiles)
}

func (suite *ServiceTestSuite) newService(t *testing.T) *metadata.Namespace {
	t.Helper()
	backend := suite.NewBackend(t)
	ns, err := metadata.NewNamespace(context.Background(), backend, testVolume, metadata.NamespaceOptions{
		RootMode:              0755,
		DefaultReadFreshness:  1000,
		DefaultWriteFreshness: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ns.Close() })
	return ns
}

// AssertErrorCode checks that err carries the expected code.
func AssertErrorCode(t *testing.T, expected metadata.ErrorCode, err error) {
	t.Helper()
	require.Error(t, err)
	code, ok := metadata.CodeOf(err)
	require.True(t, ok, "expected a metadata.Error, got %T: %v", err, err)
	assert.Equal(t, expected, code, "unexpected error: %v", err)
}

func mustCreate(t *testing.T, ns *metadata.Namespace, parent uint64, name string, ft metadata.FileType) *metadata.Record {
	t.Helper()
	rec := &metadata.Record{Type: ft, Name: name, ParentID: parent, Mode: 0644, Owner: 1}
	var (
		out *metadata.Record
		err error
	)
	if ft == metadata.TypeDirectory {
		rec.Mode = 0755
		out, err = ns.Mkdir(context.Background(), rec)
	} else {
		out, err = ns.Create(context.Background(), rec)
	}
	require.NoError(t, err)
	return out
}

func (suite *ServiceTestSuite) testRoot(t *testing.T) {
	ns := suite.newService(t)

	listing, err := ns.ResolvePath(context.Background(), testVolume, "/", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, listing.Entry)
	assert.Equal(t, metadata.RootID, listing.Entry.FileID)
	assert.Equal(t, metadata.TypeDirectory, listing.Entry.Type)
	assert.Empty(t, listing.Dirs)
	assert.Empty(t, listing.Children)
}

func (suite *ServiceTestSuite) testCreateAndResolve(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	dir := mustCreate(t, ns, metadata.RootID, "a", metadata.TypeDirectory)
	file := mustCreate(t, ns, dir.FileID, "f", metadata.TypeFile)

	assert.NotZero(t, file.FileID)
	assert.NotEqual(t, dir.FileID, file.FileID)
	assert.Equal(t, testVolume, file.Volume)
	assert.Equal(t, dir.FileID, file.ParentID)
	assert.Equal(t, int64(1), file.WriteNonce)
	assert.Equal(t, metadata.Freshness(1000), file.MaxReadFreshness)

	listing, err := ns.ResolvePath(ctx, testVolume, "/a/f", time.Time{})
	require.NoError(t, err)
	require.Len(t, listing.Dirs, 2)
	assert.Equal(t, metadata.RootID, listing.Dirs[0].FileID)
	assert.Equal(t, dir.FileID, listing.Dirs[1].FileID)
	require.NotNil(t, listing.Entry)
	assert.Equal(t, file.FileID, listing.Entry.FileID)

	listing, err = ns.ResolvePath(ctx, testVolume, "/a", time.Time{})
	require.NoError(t, err)
	require.Len(t, listing.Children, 1)
	assert.Equal(t, "f", listing.Children[0].Name)
}

func (suite *ServiceTestSuite) testCreateErrors(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	file := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)

	_, err := ns.Create(ctx, &metadata.Record{Type: metadata.TypeFile, Name: "f", ParentID: metadata.RootID})
	AssertErrorCode(t, metadata.ErrAlreadyExists, err)

	_, err = ns.Create(ctx, &metadata.Record{Type: metadata.TypeFile, Name: "x", ParentID: file.FileID})
	AssertErrorCode(t, metadata.ErrNotDirectory, err)

	_, err = ns.Create(ctx, &metadata.Record{Type: metadata.TypeFile, Name: "x", ParentID: 999})
	AssertErrorCode(t, metadata.ErrNotFound, err)

	_, err = ns.Create(ctx, &metadata.Record{Type: metadata.TypeFile, Name: "..", ParentID: metadata.RootID})
	AssertErrorCode(t, metadata.ErrInvalid, err)

	_, err = ns.Mkdir(ctx, &metadata.Record{Type: metadata.TypeFile, Name: "d", ParentID: metadata.RootID})
	AssertErrorCode(t, metadata.ErrInvalid, err)
}

func (suite *ServiceTestSuite) testResolveMissing(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)

	listing, err := ns.ResolvePath(ctx, testVolume, "/missing/deeper", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, listing.Entry)
	assert.Len(t, listing.Dirs, 1)

	_, err = ns.ResolvePath(ctx, testVolume, "/f/x", time.Time{})
	AssertErrorCode(t, metadata.ErrNotDirectory, err)

	_, err = ns.ResolvePath(ctx, testVolume, "relative", time.Time{})
	AssertErrorCode(t, metadata.ErrInvalid, err)

	_, err = ns.ResolvePath(ctx, testVolume+1, "/", time.Time{})
	AssertErrorCode(t, metadata.ErrNotFound, err)
}

func (suite *ServiceTestSuite) testUpdateNonce(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	file := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)

	update := file.Clone()
	update.Size = 4096
	update.Version = 3
	updated, err := ns.Update(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), updated.Size)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, file.WriteNonce+1, updated.WriteNonce)

	// The old nonce no longer matches
	_, err = ns.Update(ctx, update)
	AssertErrorCode(t, metadata.ErrStale, err)

	_, err = ns.Update(ctx, &metadata.Record{FileID: 999})
	AssertErrorCode(t, metadata.ErrNotFound, err)
}

func (suite *ServiceTestSuite) testDelete(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	dir := mustCreate(t, ns, metadata.RootID, "d", metadata.TypeDirectory)
	file := mustCreate(t, ns, dir.FileID, "f", metadata.TypeFile)

	err := ns.Delete(ctx, dir)
	AssertErrorCode(t, metadata.ErrNotEmpty, err)

	require.NoError(t, ns.Delete(ctx, file))
	require.NoError(t, ns.Delete(ctx, dir))

	listing, err := ns.ResolvePath(ctx, testVolume, "/d", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, listing.Entry)

	err = ns.Delete(ctx, &metadata.Record{FileID: metadata.RootID})
	AssertErrorCode(t, metadata.ErrInvalid, err)
}

func (suite *ServiceTestSuite) testRename(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	a := mustCreate(t, ns, metadata.RootID, "a", metadata.TypeDirectory)
	b := mustCreate(t, ns, metadata.RootID, "b", metadata.TypeDirectory)
	f := mustCreate(t, ns, a.FileID, "f", metadata.TypeFile)
	victim := mustCreate(t, ns, b.FileID, "g", metadata.TypeFile)

	moved, err := ns.Rename(ctx, f, &metadata.Record{ParentID: b.FileID, Name: "g"})
	require.NoError(t, err)
	assert.Equal(t, f.FileID, moved.FileID)
	assert.Equal(t, "g", moved.Name)
	assert.Equal(t, b.FileID, moved.ParentID)

	listing, err := ns.ResolvePath(ctx, testVolume, "/b/g", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, listing.Entry)
	assert.Equal(t, f.FileID, listing.Entry.FileID)
	assert.NotEqual(t, victim.FileID, listing.Entry.FileID)

	listing, err = ns.ResolvePath(ctx, testVolume, "/a/f", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, listing.Entry)
}

func (suite *ServiceTestSuite) testRenameErrors(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	a := mustCreate(t, ns, metadata.RootID, "a", metadata.TypeDirectory)
	sub := mustCreate(t, ns, a.FileID, "sub", metadata.TypeDirectory)
	f := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)
	full := mustCreate(t, ns, metadata.RootID, "full", metadata.TypeDirectory)
	mustCreate(t, ns, full.FileID, "x", metadata.TypeFile)

	_, err := ns.Rename(ctx, a, &metadata.Record{ParentID: sub.FileID, Name: "loop"})
	AssertErrorCode(t, metadata.ErrInvalid, err)

	_, err = ns.Rename(ctx, f, &metadata.Record{ParentID: metadata.RootID, Name: "a"})
	AssertErrorCode(t, metadata.ErrIsDirectory, err)

	_, err = ns.Rename(ctx, a, &metadata.Record{ParentID: metadata.RootID, Name: "f"})
	AssertErrorCode(t, metadata.ErrNotDirectory, err)

	_, err = ns.Rename(ctx, sub, &metadata.Record{ParentID: metadata.RootID, Name: "full"})
	AssertErrorCode(t, metadata.ErrNotEmpty, err)
}

func (suite *ServiceTestSuite) testQueueUpdate(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	f := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)

	chmod := f.Clone()
	chmod.Mode = 0600
	require.NoError(t, ns.QueueUpdate(ctx, chmod, time.Now().Add(time.Hour)))

	listing, err := ns.ResolvePath(ctx, testVolume, "/f", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0644), listing.Entry.Mode, "update applied before its deadline")

	require.NoError(t, ns.FlushQueued(ctx))
	listing, err = ns.ResolvePath(ctx, testVolume, "/f", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), listing.Entry.Mode)
	assert.Equal(t, f.WriteNonce, listing.Entry.WriteNonce, "queued updates leave the write nonce alone")

	chmod.Mode = 0640
	require.NoError(t, ns.QueueUpdate(ctx, chmod, time.Now().Add(-time.Second)))
	listing, err = ns.ResolvePath(ctx, testVolume, "/f", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0640), listing.Entry.Mode)
}

func (suite *ServiceTestSuite) testQueueUpdateMtime(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	f := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)
	past := f.Mtime.Add(-time.Hour)

	back := f.Clone()
	back.Mtime = past
	require.NoError(t, ns.QueueUpdate(ctx, back, time.Time{}))
	listing, err := ns.ResolvePath(ctx, testVolume, "/f", time.Time{})
	require.NoError(t, err)
	assert.True(t, listing.Entry.Mtime.Equal(past), "a sender with the current write nonce may set any mtime")

	written := listing.Entry.Clone()
	written.Mtime = f.Mtime
	_, err = ns.Update(ctx, written)
	require.NoError(t, err)

	// back still carries the old write nonce
	back.Mtime = past.Add(-time.Hour)
	require.NoError(t, ns.QueueUpdate(ctx, back, time.Time{}))
	listing, err = ns.ResolvePath(ctx, testVolume, "/f", time.Time{})
	require.NoError(t, err)
	assert.True(t, listing.Entry.Mtime.Equal(f.Mtime), "an outdated sender cannot move mtime backwards")
}

func (suite *ServiceTestSuite) testXattrs(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	f := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)

	_, err := ns.GetXattr(ctx, f.FileID, "user.color")
	AssertErrorCode(t, metadata.ErrNoAttribute, err)

	rec, err := ns.SetXattr(ctx, f.FileID, "user.color", []byte("blue"), 0)
	require.NoError(t, err)
	assert.Equal(t, f.XattrNonce+1, rec.XattrNonce)
	assert.Equal(t, f.WriteNonce, rec.WriteNonce)

	value, err := ns.GetXattr(ctx, f.FileID, "user.color")
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), value)

	_, err = ns.SetXattr(ctx, f.FileID, "user.color", []byte("red"), metadata.XattrCreate)
	AssertErrorCode(t, metadata.ErrAlreadyExists, err)
	_, err = ns.SetXattr(ctx, f.FileID, "user.shape", []byte("round"), metadata.XattrReplace)
	AssertErrorCode(t, metadata.ErrNoAttribute, err)

	_, err = ns.SetXattr(ctx, f.FileID, "user.color", []byte("red"), metadata.XattrReplace)
	require.NoError(t, err)
	_, err = ns.SetXattr(ctx, f.FileID, "user.empty", nil, metadata.XattrCreate)
	require.NoError(t, err)

	names, err := ns.ListXattrs(ctx, f.FileID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.color", "user.empty"}, names)

	value, err = ns.GetXattr(ctx, f.FileID, "user.empty")
	require.NoError(t, err)
	assert.Empty(t, value)

	rec, err = ns.RemoveXattr(ctx, f.FileID, "user.color")
	require.NoError(t, err)
	assert.Equal(t, f.XattrNonce+4, rec.XattrNonce)
	_, err = ns.RemoveXattr(ctx, f.FileID, "user.color")
	AssertErrorCode(t, metadata.ErrNoAttribute, err)

	names, err = ns.ListXattrs(ctx, f.FileID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.empty"}, names)

	_, err = ns.SetXattr(ctx, f.FileID, "", []byte("x"), 0)
	AssertErrorCode(t, metadata.ErrInvalid, err)
	_, err = ns.SetXattr(ctx, f.FileID, "user.big", make([]byte, metadata.MaxXattrValue+1), 0)
	AssertErrorCode(t, metadata.ErrInvalid, err)
	_, err = ns.GetXattr(ctx, 9999, "user.color")
	AssertErrorCode(t, metadata.ErrNotFound, err)
}

func (suite *ServiceTestSuite) testXattrsRemovedWithEntry(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	f := mustCreate(t, ns, metadata.RootID, "f", metadata.TypeFile)
	_, err := ns.SetXattr(ctx, f.FileID, "user.color", []byte("blue"), 0)
	require.NoError(t, err)
	require.NoError(t, ns.Delete(ctx, f))

	// a new entry never inherits the attributes of a deleted one
	g := mustCreate(t, ns, metadata.RootID, "g", metadata.TypeFile)
	names, err := ns.ListXattrs(ctx, g.FileID)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = ns.ListXattrs(ctx, f.FileID)
	AssertErrorCode(t, metadata.ErrNotFound, err)
}

func (suite *ServiceTestSuite) testCountFiles(t *testing.T) {
	ns := suite.newService(t)
	ctx := context.Background()

	count, err := ns.CountFiles(ctx, testVolume)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	dir := mustCreate(t, ns, metadata.RootID, "d", metadata.TypeDirectory)
	f := mustCreate(t, ns, dir.FileID, "f", metadata.TypeFile)
	mustCreate(t, ns, dir.FileID, "p", metadata.TypeFifo)

	count, err = ns.CountFiles(ctx, testVolume)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)

	require.NoError(t, ns.Delete(ctx, f))
	count, err = ns.CountFiles(ctx, testVolume)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	_, err = ns.CountFiles(ctx, testVolume+1)
	AssertErrorCode(t, metadata.ErrNotFound, err)
}
