// Package manifest maps the blocks of a file to the gateway hosting each
// block and the block's current version.
//
// A Manifest is a sorted list of BlockRanges. Adjacent ranges hosted at the
// same location for the same file version are always merged, so the range
// list stays short for files written sequentially by one gateway.
//
// Thread Safety:
// A Manifest is not internally synchronized. It belongs to a file's tree
// node and is only mutated by a goroutine holding that node exclusively.
package manifest

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// BlockRef is the result of a manifest lookup.
type BlockRef struct {
	BlockID     uint64
	Location    uint64
	FileVersion int64
	Version     int64
	Hash        []byte
}

// IsHole reports whether the block was never written.
func (b BlockRef) IsHole() bool {
	return b.Location == HoleLocation
}

// NextBlockVersion picks the version of a new write to a block whose
// current version is prior (0 if the block was never written). Versions
// are random and nonzero: two gateways writing the same block concurrently
// must never name the same replica object.
func NextBlockVersion(prior int64) int64 {
	for {
		if v := rand.Int64(); v != 0 && v != prior {
			return v
		}
	}
}

// Manifest is the per-file block map.
type Manifest struct {
	fileVersion  int64
	ranges       []*BlockRange
	stale        bool
	lastModified time.Time
}

// New creates an empty manifest for fileVersion. A new manifest is stale
// until it has been revalidated or explicitly marked fresh.
func New(fileVersion int64) *Manifest {
	return &Manifest{fileVersion: fileVersion, stale: true}
}

// FromRanges builds a manifest from an existing range list, exactly as
// given. The ranges must be sorted and disjoint.
func FromRanges(fileVersion int64, lastModified time.Time, ranges []*BlockRange) *Manifest {
	m := &Manifest{fileVersion: fileVersion, lastModified: lastModified}
	for _, r := range ranges {
		m.ranges = append(m.ranges, r.clone())
	}
	return m
}

// FileVersion returns the file version the manifest describes.
func (m *Manifest) FileVersion() int64 { return m.fileVersion }

// Stale reports whether the manifest must be revalidated before use.
func (m *Manifest) Stale() bool { return m.stale }

// MarkStale flags the manifest for revalidation.
func (m *Manifest) MarkStale() { m.stale = true }

// MarkFresh clears the staleness flag.
func (m *Manifest) MarkFresh() { m.stale = false }

// LastModified returns the manifest modification time.
func (m *Manifest) LastModified() time.Time { return m.lastModified }

// Touch sets the manifest modification time.
func (m *Manifest) Touch(t time.Time) { m.lastModified = t }

// NumBlocks returns one past the highest block id covered.
func (m *Manifest) NumBlocks() uint64 {
	if len(m.ranges) == 0 {
		return 0
	}
	return m.ranges[len(m.ranges)-1].EndID
}

// Ranges returns a copy of the range list.
func (m *Manifest) Ranges() []*BlockRange {
	out := make([]*BlockRange, len(m.ranges))
	for i, r := range m.ranges {
		out[i] = r.clone()
	}
	return out
}

// find returns the index of the range containing blockID, or -1.
//
// Ranges are few relative to file size, so a linear scan is fine.
func (m *Manifest) find(blockID uint64) int {
	for i, r := range m.ranges {
		if r.Contains(blockID) {
			return i
		}
		if r.StartID > blockID {
			break
		}
	}
	return -1
}

// Lookup returns the location and version of blockID.
func (m *Manifest) Lookup(blockID uint64) (BlockRef, bool) {
	i := m.find(blockID)
	if i < 0 {
		return BlockRef{}, false
	}
	r := m.ranges[i]
	return BlockRef{
		BlockID:     blockID,
		Location:    r.Location,
		FileVersion: r.FileVersion,
		Version:     r.version(blockID),
		Hash:        r.hash(blockID),
	}, true
}

// Insert records that blockID is now at blockVersion, hosted at location
// for fileVersion.
func (m *Manifest) Insert(location uint64, fileVersion int64, blockID uint64, blockVersion int64) {
	m.put(location, fileVersion, blockID, blockVersion, nil)
}

// InsertHashed is Insert with the block's content digest.
func (m *Manifest) InsertHashed(location uint64, fileVersion int64, blockID uint64, blockVersion int64, hash []byte) {
	m.put(location, fileVersion, blockID, blockVersion, hash)
}

// InsertHole records blockID as unwritten.
func (m *Manifest) InsertHole(fileVersion int64, blockID uint64) {
	m.put(HoleLocation, fileVersion, blockID, 0, nil)
}

func (m *Manifest) put(location uint64, fileVersion int64, blockID uint64, version int64, hash []byte) {
	i := m.find(blockID)
	if i < 0 {
		m.putOutside(location, fileVersion, blockID, version, hash)
		return
	}

	r := m.ranges[i]
	switch {
	case r.compatible(location, fileVersion):
		// Same host and file version: update in place
		r.set(blockID, version, hash)
		m.coalesce(i)

	case r.Len() == 1:
		r.Location = location
		r.FileVersion = fileVersion
		r.set(blockID, version, hash)
		m.coalesce(i)

	case blockID == r.StartID:
		// Leading edge: fold into the previous range if it fits
		r.dropFirst()
		if i > 0 && m.ranges[i-1].EndID == blockID && m.ranges[i-1].compatible(location, fileVersion) {
			m.ranges[i-1].appendBlock(version, hash)
			return
		}
		m.insertAt(i, newRange(location, fileVersion, blockID, version, hash))

	case blockID == r.EndID-1:
		// Trailing edge: fold into the next range if it fits
		r.dropLast()
		if i+1 < len(m.ranges) && m.ranges[i+1].StartID == blockID+1 && m.ranges[i+1].compatible(location, fileVersion) {
			m.ranges[i+1].prependBlock(version, hash)
			return
		}
		m.insertAt(i+1, newRange(location, fileVersion, blockID, version, hash))

	default:
		left, right := r.split(blockID)
		m.ranges[i] = left
		m.insertAt(i+1, newRange(location, fileVersion, blockID, version, hash))
		m.insertAt(i+2, right)
	}
}

// putOutside handles a block not covered by any range: past the end or in
// a gap between ranges.
func (m *Manifest) putOutside(location uint64, fileVersion int64, blockID uint64, version int64, hash []byte) {
	pos := sort.Search(len(m.ranges), func(j int) bool {
		return m.ranges[j].StartID > blockID
	})

	if pos > 0 {
		prev := m.ranges[pos-1]
		if prev.EndID == blockID && prev.compatible(location, fileVersion) {
			prev.appendBlock(version, hash)
			m.coalesce(pos - 1)
			return
		}
	}
	if pos < len(m.ranges) {
		next := m.ranges[pos]
		if next.StartID == blockID+1 && next.compatible(location, fileVersion) {
			next.prependBlock(version, hash)
			m.coalesce(pos)
			return
		}
	}
	m.insertAt(pos, newRange(location, fileVersion, blockID, version, hash))
}

func (m *Manifest) insertAt(i int, r *BlockRange) {
	m.ranges = append(m.ranges, nil)
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = r
}

func (m *Manifest) removeAt(i int) {
	m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
}

// coalesce merges the range at i with any compatible contiguous neighbors.
func (m *Manifest) coalesce(i int) {
	for i > 0 && m.ranges[i-1].mergeable(m.ranges[i]) {
		m.ranges[i-1].absorb(m.ranges[i])
		m.removeAt(i)
		i--
	}
	for i+1 < len(m.ranges) && m.ranges[i].mergeable(m.ranges[i+1]) {
		m.ranges[i].absorb(m.ranges[i+1])
		m.removeAt(i + 1)
	}
}

// Truncate drops every block at or beyond newEndID.
func (m *Manifest) Truncate(newEndID uint64) {
	kept := m.ranges[:0]
	for _, r := range m.ranges {
		if r.StartID >= newEndID {
			continue
		}
		if r.EndID > newEndID {
			r.truncate(newEndID)
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.ranges); i++ {
		m.ranges[i] = nil
	}
	m.ranges = kept
}

// SetFileVersion moves the manifest to fileVersion. Ranges hosted at
// location, and holes, follow the new version; ranges hosted elsewhere keep
// the version their host stores them under.
func (m *Manifest) SetFileVersion(location uint64, fileVersion int64) {
	m.fileVersion = fileVersion
	for _, r := range m.ranges {
		if r.Location == location || r.IsHole() {
			r.FileVersion = fileVersion
		}
	}
	for i := 0; i < len(m.ranges); i++ {
		m.coalesce(i)
	}
}

// Each calls fn for every block in id order until fn returns false.
func (m *Manifest) Each(fn func(ref BlockRef) bool) {
	for _, r := range m.ranges {
		for id := r.StartID; id < r.EndID; id++ {
			ref := BlockRef{
				BlockID:     id,
				Location:    r.Location,
				FileVersion: r.FileVersion,
				Version:     r.version(id),
				Hash:        r.hash(id),
			}
			if !fn(ref) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		fileVersion:  m.fileVersion,
		stale:        m.stale,
		lastModified: m.lastModified,
		ranges:       make([]*BlockRange, len(m.ranges)),
	}
	for i, r := range m.ranges {
		c.ranges[i] = r.clone()
	}
	return c
}

// String renders the range list, e.g. "[0,4)@1.v1 [4,5)@2.v1".
func (m *Manifest) String() string {
	parts := make([]string, len(m.ranges))
	for i, r := range m.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}
