package metadata

import (
	"fmt"
	"time"
)

// FileType identifies the kind of a namespace entry.
type FileType int

const (
	// TypeUnknown is the zero value and never valid in a record
	TypeUnknown FileType = iota

	// TypeFile is a regular file
	TypeFile

	// TypeDirectory is a directory
	TypeDirectory

	// TypeFifo is a named pipe
	TypeFifo

	// TypeDead marks a cached entry that has been destroyed.
	// It never appears in a record returned by the metadata service.
	TypeDead
)

// String returns a human-readable type name.
func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeFifo:
		return "fifo"
	case TypeDead:
		return "dead"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Valid reports whether t may appear in an authoritative record.
func (t FileType) Valid() bool {
	return t == TypeFile || t == TypeDirectory || t == TypeFifo
}

// RootID is the file id the metadata service assigns to "/".
const RootID uint64 = 1

// Record is the unit of exchange with the metadata service.
//
// It carries every replicable field of a namespace entry. Timestamps keep
// nanosecond precision; comparisons between cached and authoritative values
// use time.Time.Equal.
type Record struct {
	Type FileType `json:"type"`
	Name string   `json:"name"`

	// FileID is volume-unique and assigned by the metadata service (0 until assigned)
	FileID uint64 `json:"file_id"`

	Owner       uint64 `json:"owner"`
	Coordinator uint64 `json:"coordinator"`
	Volume      uint64 `json:"volume"`
	Mode        uint32 `json:"mode"`
	Size        int64  `json:"size"`

	// Version is the file content generation
	Version int64 `json:"version"`

	Ctime         time.Time `json:"ctime"`
	Mtime         time.Time `json:"mtime"`
	ManifestMtime time.Time `json:"manifest_mtime"`

	// WriteNonce and XattrNonce are optimistic-concurrency tokens bumped by
	// the metadata service on every accepted update.
	WriteNonce int64 `json:"write_nonce"`
	XattrNonce int64 `json:"xattr_nonce"`

	MaxReadFreshness  Freshness `json:"max_read_freshness"`
	MaxWriteFreshness Freshness `json:"max_write_freshness"`

	ParentID   uint64 `json:"parent_id"`
	ParentName string `json:"parent_name"`
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// IsDir reports whether the record describes a directory.
func (r *Record) IsDir() bool {
	return r.Type == TypeDirectory
}

// PathListing is the authoritative view of one path returned by ResolvePath.
type PathListing struct {
	// Dirs holds the records of every directory from "/" down to the parent
	// of the terminal entry, in order. The list stops early if a directory
	// along the path does not exist.
	Dirs []Record

	// Entry is the terminal entry, or nil if it does not exist.
	Entry *Record

	// Children lists the entries of Entry when it is a directory.
	Children []Record

	// LastModified is the most recent mtime among the returned directories.
	LastModified time.Time
}
