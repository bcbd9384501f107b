// Package blockhash computes and verifies block content digests.
//
// Digests are BLAKE3 keyed hashes. The key is a fixed domain constant, so a
// block digest never collides with a digest computed for another purpose
// over the same bytes.
package blockhash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/marmos91/wanfs/pkg/metadata"
)

// Size is the digest length in bytes.
const Size = 32

// blockDomainKey is the ASCII domain name zero-padded to 32 bytes.
var blockDomainKey = [32]byte{
	'w', 'a', 'n', 'f', 's', '.', 'b', 'l', 'o', 'c', 'k',
}

// Sum returns the digest of a block's content.
func Sum(data []byte) []byte {
	hasher, err := blake3.NewKeyed(blockDomainKey[:])
	if err != nil {
		panic("blockhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hasher.Sum(nil)
}

// Verify checks data against an expected digest. An empty expectation
// means the digest is unknown and always passes. A mismatch returns an
// ErrCorrupted error naming what was read.
func Verify(data, expected []byte, what string) error {
	if len(expected) == 0 {
		return nil
	}
	got := Sum(data)
	if bytes.Equal(got, expected) {
		return nil
	}
	return metadata.Errorf(metadata.ErrCorrupted, "%s: digest %s, expected %s", what, Format(got), Format(expected))
}

// Format returns the hex form of a digest.
func Format(digest []byte) string {
	return hex.EncodeToString(digest)
}

// Parse decodes a hex digest.
func Parse(s string) ([]byte, error) {
	digest, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parsing block digest: %w", err)
	}
	if len(digest) != Size {
		return nil, fmt.Errorf("block digest is %d bytes, want %d", len(digest), Size)
	}
	return digest, nil
}
