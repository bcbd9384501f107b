package manifest

import "fmt"

// HoleLocation marks a range of blocks that were never written.
// Reads of a hole return zeros.
const HoleLocation uint64 = 0

// BlockRange is a contiguous run of block ids [StartID, EndID) of one file,
// all hosted at Location for FileVersion. Versions holds one block version
// per block id in the range; Hashes holds the matching content digests (an
// entry may be nil when the digest is unknown).
type BlockRange struct {
	Location    uint64
	FileVersion int64
	StartID     uint64
	EndID       uint64
	Versions    []int64
	Hashes      [][]byte
}

func newRange(location uint64, fileVersion int64, blockID uint64, version int64, hash []byte) *BlockRange {
	return &BlockRange{
		Location:    location,
		FileVersion: fileVersion,
		StartID:     blockID,
		EndID:       blockID + 1,
		Versions:    []int64{version},
		Hashes:      [][]byte{hash},
	}
}

// Len returns the number of blocks in the range.
func (r *BlockRange) Len() int {
	return int(r.EndID - r.StartID)
}

// Contains reports whether blockID falls within the range.
func (r *BlockRange) Contains(blockID uint64) bool {
	return blockID >= r.StartID && blockID < r.EndID
}

// IsHole reports whether the range describes unwritten blocks.
func (r *BlockRange) IsHole() bool {
	return r.Location == HoleLocation
}

func (r *BlockRange) compatible(location uint64, fileVersion int64) bool {
	return r.Location == location && r.FileVersion == fileVersion
}

// mergeable reports whether next can be folded onto the end of r.
func (r *BlockRange) mergeable(next *BlockRange) bool {
	return r.EndID == next.StartID && r.compatible(next.Location, next.FileVersion)
}

func (r *BlockRange) version(blockID uint64) int64 {
	return r.Versions[blockID-r.StartID]
}

func (r *BlockRange) hash(blockID uint64) []byte {
	return r.Hashes[blockID-r.StartID]
}

func (r *BlockRange) set(blockID uint64, version int64, hash []byte) {
	r.Versions[blockID-r.StartID] = version
	r.Hashes[blockID-r.StartID] = hash
}

func (r *BlockRange) appendBlock(version int64, hash []byte) {
	r.Versions = append(r.Versions, version)
	r.Hashes = append(r.Hashes, hash)
	r.EndID++
}

func (r *BlockRange) prependBlock(version int64, hash []byte) {
	r.Versions = append([]int64{version}, r.Versions...)
	r.Hashes = append([][]byte{hash}, r.Hashes...)
	r.StartID--
}

func (r *BlockRange) dropFirst() {
	r.Versions = r.Versions[1:]
	r.Hashes = r.Hashes[1:]
	r.StartID++
}

func (r *BlockRange) dropLast() {
	r.Versions = r.Versions[:len(r.Versions)-1]
	r.Hashes = r.Hashes[:len(r.Hashes)-1]
	r.EndID--
}

// absorb folds next onto the end of r. Callers check mergeable first.
func (r *BlockRange) absorb(next *BlockRange) {
	r.Versions = append(r.Versions, next.Versions...)
	r.Hashes = append(r.Hashes, next.Hashes...)
	r.EndID = next.EndID
}

// split cuts r around blockID and returns the parts strictly before and
// strictly after it. Either part may be nil.
func (r *BlockRange) split(blockID uint64) (left, right *BlockRange) {
	off := blockID - r.StartID
	if off > 0 {
		left = &BlockRange{
			Location:    r.Location,
			FileVersion: r.FileVersion,
			StartID:     r.StartID,
			EndID:       blockID,
			Versions:    append([]int64(nil), r.Versions[:off]...),
			Hashes:      append([][]byte(nil), r.Hashes[:off]...),
		}
	}
	if blockID+1 < r.EndID {
		right = &BlockRange{
			Location:    r.Location,
			FileVersion: r.FileVersion,
			StartID:     blockID + 1,
			EndID:       r.EndID,
			Versions:    append([]int64(nil), r.Versions[off+1:]...),
			Hashes:      append([][]byte(nil), r.Hashes[off+1:]...),
		}
	}
	return left, right
}

// truncate keeps only the blocks below endID.
func (r *BlockRange) truncate(endID uint64) {
	n := endID - r.StartID
	r.Versions = r.Versions[:n]
	r.Hashes = r.Hashes[:n]
	r.EndID = endID
}

func (r *BlockRange) clone() *BlockRange {
	c := *r
	c.Versions = append([]int64(nil), r.Versions...)
	c.Hashes = make([][]byte, len(r.Hashes))
	for i, h := range r.Hashes {
		if h != nil {
			c.Hashes[i] = append([]byte(nil), h...)
		}
	}
	return &c
}

// String renders the range as "[start,end)@location.vN".
func (r *BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)@%d.v%d", r.StartID, r.EndID, r.Location, r.FileVersion)
}
