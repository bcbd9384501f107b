// Package replica moves blocks, manifests and forwarded writes between a
// gateway, its peer gateways and the replica hosts of its volume.
//
// The Transport interface is what the revalidation and write-back engines
// consume. Router is the in-process implementation: it dispatches to
// registered replica Hosts (memory, S3) and peer gateway Endpoints, and
// encodes forwarded writes with CBOR exactly as they would travel on a
// wire.
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/wanfs/pkg/manifest"
)

// BlockRef addresses one version of one block of a file.
type BlockRef struct {
	Volume       uint64
	FileID       uint64
	FileVersion  int64
	BlockID      uint64
	BlockVersion int64

	// Hash is the digest recorded in the manifest, if known
	Hash []byte
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%d:%x.%d/%d.%d", r.Volume, r.FileID, r.FileVersion, r.BlockID, r.BlockVersion)
}

// BlockUpload is a block and its content.
type BlockUpload struct {
	BlockRef
	Data []byte
}

// ManifestRef addresses a manifest. A zero ManifestMtime asks for the
// newest manifest of the file version.
type ManifestRef struct {
	Volume        uint64
	FileID        uint64
	FileVersion   int64
	ManifestMtime time.Time

	// Path is informational; peers resolve by file id
	Path string
}

func (r ManifestRef) String() string {
	return fmt.Sprintf("%d:%x.%d@%d", r.Volume, r.FileID, r.FileVersion, r.ManifestMtime.UnixNano())
}

// Transport is the block/manifest transport collaborator.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Transport interface {
	// DownloadBlock fetches a block from a peer gateway or replica host.
	DownloadBlock(ctx context.Context, host uint64, ref BlockRef) ([]byte, error)

	// DownloadManifest fetches a manifest from a peer gateway or replica host.
	DownloadManifest(ctx context.Context, host uint64, ref ManifestRef) (*manifest.Message, error)

	// ReplicateBlocks uploads each block to every replica host. The
	// returned futures complete in any order, one per block.
	ReplicateBlocks(ctx context.Context, blocks []BlockUpload) []*Future

	// ReplicateManifest uploads a manifest to every replica host.
	ReplicateManifest(ctx context.Context, msg *manifest.Message) *Future

	// PostWrite forwards a write to the file's coordinator and returns its
	// reply. Remote failures come back as errors carrying the remote code.
	PostWrite(ctx context.Context, coordinator uint64, msg *WriteMessage) (*WriteMessage, error)

	// DeleteBlocks removes blocks from every replica host.
	DeleteBlocks(ctx context.Context, refs []BlockRef) error

	// DeleteManifest removes a manifest from every replica host.
	DeleteManifest(ctx context.Context, ref ManifestRef) error

	// Replicas lists the replica hosts of the volume in preference order.
	Replicas() []uint64
}

// Host is a replica host: durable storage for replicated blocks and
// manifests.
type Host interface {
	PutBlock(ctx context.Context, ref BlockRef, data []byte) error
	GetBlock(ctx context.Context, ref BlockRef) ([]byte, error)
	DeleteBlock(ctx context.Context, ref BlockRef) error

	PutManifest(ctx context.Context, msg *manifest.Message) error
	GetManifest(ctx context.Context, ref ManifestRef) (*manifest.Message, error)
	DeleteManifest(ctx context.Context, ref ManifestRef) error
}

// Endpoint is the peer-facing side of a gateway.
type Endpoint interface {
	// ServeBlock returns a block the gateway stores locally.
	ServeBlock(ctx context.Context, ref BlockRef) ([]byte, error)

	// ServeManifest returns the manifest of a file the gateway coordinates.
	ServeManifest(ctx context.Context, ref ManifestRef) (*manifest.Message, error)

	// HandleWrite applies a write forwarded by another gateway.
	HandleWrite(ctx context.Context, msg *WriteMessage) (*WriteMessage, error)
}

// ============================================================================
// Object naming
// ============================================================================

// Object keys shared by every Host backend:
//
//	blocks/<volume>/<file id hex>.<file version>/<block id>.<block version>
//	manifests/<volume>/<file id hex>.<file version>/<mtime sec>.<mtime nsec>
//
// Manifest mtimes are zero-padded so lexical order is chronological.

// BlockObjectKey returns the object key of a block.
func BlockObjectKey(ref BlockRef) string {
	return fmt.Sprintf("blocks/%d/%016x.%d/%d.%d", ref.Volume, ref.FileID, ref.FileVersion, ref.BlockID, ref.BlockVersion)
}

// ManifestPrefix returns the key prefix of every manifest of a file version.
func ManifestPrefix(volume, fileID uint64, fileVersion int64) string {
	return fmt.Sprintf("manifests/%d/%016x.%d/", volume, fileID, fileVersion)
}

// ManifestObjectKey returns the object key of a manifest.
func ManifestObjectKey(volume, fileID uint64, fileVersion int64, mtime time.Time) string {
	return fmt.Sprintf("%s%020d.%09d", ManifestPrefix(volume, fileID, fileVersion), mtime.Unix(), mtime.Nanosecond())
}

// MessageObjectKey returns the object key a manifest message is stored under.
func MessageObjectKey(msg *manifest.Message) string {
	return ManifestObjectKey(msg.Volume, msg.FileID, msg.FileVersion, msg.ManifestMtime())
}
