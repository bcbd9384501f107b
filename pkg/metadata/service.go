package metadata

import (
	"context"
	"time"
)

// Service is the client contract of the authoritative metadata service.
//
// The gateway treats the service as an opaque, centrally-consistent oracle.
// Every mutating call validates the optimistic-concurrency tokens carried in
// the record and returns an ErrStale error when they no longer match.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Service interface {
	// ResolvePath returns every directory from "/" to the parent of path, the
	// terminal entry itself (if it exists) and its children (if it is a
	// directory). lastKnownMtime is the newest mtime the caller has cached
	// along the path; implementations may use it to avoid resending data.
	ResolvePath(ctx context.Context, volume uint64, path string, lastKnownMtime time.Time) (*PathListing, error)

	// Create creates a file or fifo under rec.ParentID and returns the
	// stored record with its assigned FileID and nonces.
	Create(ctx context.Context, rec *Record) (*Record, error)

	// Mkdir creates a directory under rec.ParentID.
	Mkdir(ctx context.Context, rec *Record) (*Record, error)

	// Update replaces the mutable fields of rec.FileID. rec.WriteNonce must
	// match the stored nonce. The returned record carries the new nonce.
	Update(ctx context.Context, rec *Record) (*Record, error)

	// Delete removes rec.FileID. Directories must be empty.
	Delete(ctx context.Context, rec *Record) error

	// Rename moves src.FileID to dst.ParentID/dst.Name, replacing any
	// compatible entry already there.
	Rename(ctx context.Context, src, dst *Record) (*Record, error)

	// QueueUpdate schedules a best-effort metadata-only update that must be
	// applied no later than deadline.
	QueueUpdate(ctx context.Context, rec *Record, deadline time.Time) error

	// GetXattr returns the value of the extended attribute name of fileID.
	// A missing attribute yields ErrNoAttribute.
	GetXattr(ctx context.Context, fileID uint64, name string) ([]byte, error)

	// ListXattrs returns the extended attribute names of fileID, sorted.
	ListXattrs(ctx context.Context, fileID uint64) ([]string, error)

	// SetXattr sets an extended attribute of fileID and bumps its xattr
	// nonce. The returned record carries the new nonce.
	SetXattr(ctx context.Context, fileID uint64, name string, value []byte, flags XattrFlags) (*Record, error)

	// RemoveXattr removes an extended attribute of fileID and bumps its
	// xattr nonce.
	RemoveXattr(ctx context.Context, fileID uint64, name string) (*Record, error)

	// CountFiles returns the number of entries in volume, root included.
	CountFiles(ctx context.Context, volume uint64) (uint64, error)
}

// XattrFlags select the create/replace semantics of SetXattr.
type XattrFlags int

const (
	// XattrCreate fails with ErrAlreadyExists if the attribute is set
	XattrCreate XattrFlags = 1 << iota

	// XattrReplace fails with ErrNoAttribute if the attribute is not set
	XattrReplace
)

const (
	// MaxXattrName bounds the length of an attribute name
	MaxXattrName = 255

	// MaxXattrValue bounds the size of an attribute value
	MaxXattrValue = 64 * 1024
)
