package fstree

import "sort"

// BlockInfo describes one version of one block of a file.
type BlockInfo struct {
	BlockID     uint64
	Version     int64
	FileVersion int64

	// Location is the gateway hosting this version of the block
	Location uint64

	// Hash is the content digest recorded for this version, if known
	Hash []byte
}

// BlockMap holds at most one block version per block id.
// It is used for dirty blocks: written locally, not yet replicated.
type BlockMap map[uint64]BlockInfo

// Sorted returns the blocks ordered by block id.
func (m BlockMap) Sorted() []BlockInfo {
	out := make([]BlockInfo, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

// GarbageKey identifies one superseded block version.
type GarbageKey struct {
	BlockID     uint64
	Version     int64
	FileVersion int64
}

// GarbageMap holds superseded block versions awaiting reclamation. Several
// versions of the same block id may coexist.
type GarbageMap map[GarbageKey]BlockInfo

// Add records b as garbage.
func (m GarbageMap) Add(b BlockInfo) {
	m[GarbageKey{BlockID: b.BlockID, Version: b.Version, FileVersion: b.FileVersion}] = b
}

// Sorted returns the entries ordered by block id, then version, then file
// version.
func (m GarbageMap) Sorted() []BlockInfo {
	out := make([]BlockInfo, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockID != out[j].BlockID {
			return out[i].BlockID < out[j].BlockID
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].FileVersion < out[j].FileVersion
	})
	return out
}

// BufferedBlock is an in-RAM block not yet committed to local storage.
type BufferedBlock struct {
	Data []byte

	// Dirty is false when the buffer only caches data read from storage
	Dirty bool
}
