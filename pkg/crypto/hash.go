// Package crypto provides cryptographic primitives for the vault engine.
package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DigestSize is the length of a BLAKE3-256 digest.
const DigestSize = 32

// Digest is a BLAKE3-256 hash.
type Digest [DigestSize]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) Digest {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two digests.
func HashConcat(a, b Digest) Digest {
	var buf [2 * DigestSize]byte
	copy(buf[:DigestSize], a[:])
	copy(buf[DigestSize:], b[:])
	return Hash(buf[:])
}

// Fingerprint hashes parts under a BLAKE3 derive-key context. Each part is
// length-prefixed so ("ab","c") and ("a","bc") never collide.
func Fingerprint(context string, parts ...[]byte) Digest {
	h := blake3.NewDeriveKey(context)
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
