package metadata

// SystemUser is the identity the gateway uses for its own bookkeeping
// (revalidation, coordinator-side handlers). It bypasses permission checks.
const SystemUser uint64 = 0

// Identity is an already-resolved caller identity.
type Identity struct {
	User   uint64
	Volume uint64
}

// SystemIdentity returns the system identity for volume.
func SystemIdentity(volume uint64) Identity {
	return Identity{User: SystemUser, Volume: volume}
}

// ============================================================================
// Permission Helper Functions
// ============================================================================

// Permission bit classes. The "group" class of a Unix mode is interpreted
// as "same volume": any user of the entry's volume gets the group bits.
const (
	modeUserRead   = 0400
	modeUserWrite  = 0200
	modeUserExec   = 0100
	modeGroupRead  = 0040
	modeGroupWrite = 0020
	modeGroupExec  = 0010
	modeOtherRead  = 0004
	modeOtherWrite = 0002
	modeOtherExec  = 0001
)

func check(mode uint32, owner, volume uint64, id Identity, userBit, groupBit, otherBit uint32) bool {
	if id.User == SystemUser {
		return true
	}
	if mode&otherBit != 0 {
		return true
	}
	if volume == id.Volume && mode&groupBit != 0 {
		return true
	}
	return owner == id.User && mode&userBit != 0
}

// IsReadable checks read permission on an entry.
//
// Permission check logic:
//   - System user: always granted
//   - Other read bit: granted to everyone
//   - Group read bit: granted to users of the entry's volume
//   - Owner read bit: granted to the owner
func IsReadable(mode uint32, owner, volume uint64, id Identity) bool {
	return check(mode, owner, volume, id, modeUserRead, modeGroupRead, modeOtherRead)
}

// IsWritable checks write permission on an entry.
func IsWritable(mode uint32, owner, volume uint64, id Identity) bool {
	return check(mode, owner, volume, id, modeUserWrite, modeGroupWrite, modeOtherWrite)
}

// IsSearchable checks search (execute) permission on a directory.
//
// Search permission is required to traverse through a directory.
func IsSearchable(mode uint32, owner, volume uint64, id Identity) bool {
	return check(mode, owner, volume, id, modeUserExec, modeGroupExec, modeOtherExec)
}
