// Package crypto provides the hashing primitives used for block ids,
// merkle roots and frame checksums.
package crypto

import (
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
	"github.com/zeebo/blake3"
)

// ChecksumSize is the length of a frame checksum in bytes.
const ChecksumSize = 4

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// Checksum returns the first ChecksumSize bytes of Hash(data).
func Checksum(data []byte) [ChecksumSize]byte {
	h := Hash(data)
	var sum [ChecksumSize]byte
	copy(sum[:], h[:ChecksumSize])
	return sum
}
