package revalidate

import (
	"context"
	"time"

	"github.com/marmos91/wanfs/internal/logger"
	"github.com/marmos91/wanfs/pkg/fstree"
	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
)

// RevalidateManifest makes the manifest of file n trustworthy for reads.
// It is a no-op when the manifest is not stale. Otherwise the manifest is
// downloaded from the coordinator, then from each replica host in order,
// and replaces the cached one together with the file's size, mtime and
// version. A coordinator only finds its own manifest stale when it lost it
// (a restart, or a takeover recorded by another gateway); it reloads the
// replicated copy.
//
// The caller holds n exclusively. path is used for diagnostics only.
func (e *Engine) RevalidateManifest(ctx context.Context, n *fstree.Node, path string) error {
	if !n.IsFile() || n.Manifest == nil || !n.Manifest.Stale() {
		return nil
	}

	// Never written: nothing was ever replicated
	if n.Size == 0 && n.ManifestMtime.IsZero() {
		n.Manifest = manifest.New(n.Version)
		n.Manifest.MarkFresh()
		return nil
	}

	ref := replica.ManifestRef{
		Volume:        n.Volume,
		FileID:        n.FileID,
		FileVersion:   n.Version,
		ManifestMtime: n.ManifestMtime,
		Path:          path,
	}

	var lastErr error
	for i, host := range e.manifestSources(n.Coordinator) {
		source := "replica"
		if i == 0 && host == n.Coordinator {
			source = "coordinator"
		}

		msg, err := e.transport.DownloadManifest(ctx, host, ref)
		if err == nil {
			err = applyManifest(n, msg)
		}
		e.metrics.RecordManifestFetch(source, err)
		if err == nil {
			logger.Debug("Manifest of %s (id %d) refreshed from %s %d", path, n.FileID, source, host)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("Manifest of %s unavailable from %s %d: %v", path, source, host, err)
		lastErr = err
	}

	if lastErr == nil {
		return metadata.NewError(metadata.ErrRemoteUnavailable, "no host to fetch the manifest from", path)
	}
	return metadata.Wrap(metadata.ErrRemoteUnavailable, lastErr, "manifest unavailable")
}

// manifestSources lists the coordinator followed by the replica hosts,
// without duplicates and without this gateway.
func (e *Engine) manifestSources(coordinator uint64) []uint64 {
	var hosts []uint64
	seen := map[uint64]bool{e.gatewayID: true}
	for _, h := range append([]uint64{coordinator}, e.transport.Replicas()...) {
		if h == 0 || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

func applyManifest(n *fstree.Node, msg *manifest.Message) error {
	if msg.Volume != n.Volume || msg.FileID != n.FileID {
		return metadata.Errorf(metadata.ErrRemoteDataInvalid,
			"manifest for %d:%d received for file %d:%d", msg.Volume, msg.FileID, n.Volume, n.FileID)
	}
	if msg.FileVersion < n.Version {
		return metadata.Errorf(metadata.ErrStale,
			"manifest version %d is older than file version %d", msg.FileVersion, n.Version)
	}
	if err := n.Manifest.Reload(msg); err != nil {
		return metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "malformed manifest")
	}
	n.Size = msg.Size
	n.Mtime = msg.Mtime()
	n.Version = msg.FileVersion
	n.ManifestMtime = msg.ManifestMtime()
	return nil
}

// RefreshWriteState reloads the write tokens and the coordinator of file n
// from the metadata service, after a write was refused as stale. It fails
// with ErrStale when the file was replaced or reversioned in the meantime,
// since the pending write no longer applies.
//
// The caller holds n exclusively.
func (e *Engine) RefreshWriteState(ctx context.Context, n *fstree.Node, path string) error {
	listing, err := e.ms.ResolvePath(ctx, n.Volume, path, time.Time{})
	if err != nil {
		return metadata.Wrap(metadata.ErrRemoteUnavailable, err, "metadata service lookup failed")
	}

	rec := listing.Entry
	if rec == nil || rec.FileID != n.FileID {
		return metadata.NewError(metadata.ErrStale, "file was replaced remotely", path)
	}
	if rec.Version != n.Version {
		return metadata.Errorf(metadata.ErrStale, "file version of %s moved from %d to %d", path, n.Version, rec.Version)
	}

	n.WriteNonce = rec.WriteNonce
	n.XattrNonce = rec.XattrNonce
	n.Coordinator = rec.Coordinator
	return nil
}
