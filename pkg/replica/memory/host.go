// Package memory provides an in-process replica host.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/wanfs/pkg/manifest"
	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/replica"
)

// MemoryHost keeps replicated objects in a map keyed by their object key.
// Manifests are stored in their XDR wire form.
type MemoryHost struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryHost creates an empty host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{objects: make(map[string][]byte)}
}

func (h *MemoryHost) put(key string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[key] = append([]byte(nil), data...)
}

func (h *MemoryHost) get(key string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (h *MemoryHost) remove(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[key]
	delete(h.objects, key)
	return ok
}

// PutBlock implements replica.Host.
func (h *MemoryHost) PutBlock(ctx context.Context, ref replica.BlockRef, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.put(replica.BlockObjectKey(ref), data)
	return nil
}

// GetBlock implements replica.Host.
func (h *MemoryHost) GetBlock(ctx context.Context, ref replica.BlockRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := h.get(replica.BlockObjectKey(ref))
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "block not replicated", ref.String())
	}
	return data, nil
}

// DeleteBlock implements replica.Host.
func (h *MemoryHost) DeleteBlock(ctx context.Context, ref replica.BlockRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.remove(replica.BlockObjectKey(ref)) {
		return metadata.NewError(metadata.ErrNotFound, "block not replicated", ref.String())
	}
	return nil
}

// PutManifest implements replica.Host.
func (h *MemoryHost) PutManifest(ctx context.Context, msg *manifest.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return metadata.Wrap(metadata.ErrInvalid, err, "encode manifest")
	}
	h.put(replica.MessageObjectKey(msg), data)
	return nil
}

// GetManifest implements replica.Host. A zero ManifestMtime returns the
// newest stored manifest of the file version.
func (h *MemoryHost) GetManifest(ctx context.Context, ref replica.ManifestRef) (*manifest.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, ok := h.resolve(ref)
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "manifest not replicated", ref.String())
	}
	data, ok := h.get(key)
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "manifest not replicated", ref.String())
	}
	msg, err := manifest.DecodeMessage(data)
	if err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "stored manifest")
	}
	return msg, nil
}

// DeleteManifest implements replica.Host.
func (h *MemoryHost) DeleteManifest(ctx context.Context, ref replica.ManifestRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, ok := h.resolve(ref)
	if !ok || !h.remove(key) {
		return metadata.NewError(metadata.ErrNotFound, "manifest not replicated", ref.String())
	}
	return nil
}

func (h *MemoryHost) resolve(ref replica.ManifestRef) (string, bool) {
	if !ref.ManifestMtime.IsZero() {
		return replica.ManifestObjectKey(ref.Volume, ref.FileID, ref.FileVersion, ref.ManifestMtime), true
	}
	keys := h.Keys(replica.ManifestPrefix(ref.Volume, ref.FileID, ref.FileVersion))
	if len(keys) == 0 {
		return "", false
	}
	return keys[len(keys)-1], true
}

// Keys lists stored object keys with the given prefix in lexical order.
func (h *MemoryHost) Keys(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var keys []string
	for k := range h.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (h *MemoryHost) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

var _ replica.Host = (*MemoryHost)(nil)
