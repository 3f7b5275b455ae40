package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PrivateKeySize is the length of a raw secp256k1 scalar.
const PrivateKeySize = 32

// PrivateKey wraps a secp256k1 private key used to sign wallet inputs.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", PrivateKeySize, len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Key exposes the underlying secp256k1 key. btcec/v2 aliases this type, so
// the result can be handed straight to txscript signers.
func (pk *PrivateKey) Key() *secp256k1.PrivateKey {
	return pk.key
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}
