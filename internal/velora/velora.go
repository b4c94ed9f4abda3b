// Package velora pins the interface to the Velora proof-of-work hash
// function: "H(index, nonce, ts, prevHash, merkleRoot, difficulty) ->
// 256-bit digest". Velora itself is an external collaborator; this package
// exposes exactly that signature, and the real digest is supplied by a
// production build of the algorithm.
package velora

import (
	"crypto/sha256"
	"encoding/binary"
)

// Hash computes the canonical Velora header digest. This implementation is
// a deterministic stand-in (double SHA-256 over the encoded header fields)
// so that BlockCoordinator has something concrete to call when it builds
// the submission hash; it is not the consensus Velora function.
func Hash(index uint64, nonce uint64, timestampMs uint64, prevHash, merkleRoot string, difficulty uint64) [32]byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, index)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, timestampMs)
	buf = append(buf, []byte(prevHash)...)
	buf = append(buf, []byte(merkleRoot)...)
	buf = binary.BigEndian.AppendUint64(buf, difficulty)

	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}
