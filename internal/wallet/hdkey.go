package wallet

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/tyler-smith/go-bip32"
)

// HDKey represents a hierarchical deterministic key (BIP-32).
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master HD key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DeriveChild derives a child key at the given index.
// For hardened derivation, add bip32.FirstHardenedChild to the index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along a sequence of indices. Intermediate nodes
// are wiped as soon as their child exists; k and the result are not.
func (k *HDKey) DerivePath(path Path) (*HDKey, error) {
	return k.derivePath(path, (*HDKey).Zero)
}

func (k *HDKey) derivePath(path Path, wipe func(*HDKey)) (*HDKey, error) {
	current := k
	for _, idx := range path {
		child, err := current.DeriveChild(idx)
		if current != k {
			wipe(current)
		}
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// PrivateKeyBytes returns the raw 32-byte private key.
// Returns nil if this is a public-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	raw := k.key.Key
	// bip32 may hand back a 33-byte key with a leading 0x00, or a short one
	// when the scalar has leading zero bytes.
	switch {
	case len(raw) == 33 && raw[0] == 0:
		return raw[1:]
	case len(raw) < 32:
		padded := make([]byte, 32)
		copy(padded[32-len(raw):], raw)
		return padded
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	pub := k.key.PublicKey()
	return pub.Key
}

// Signer returns the private key for signing.
// Returns error if this is a public-only key.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("cannot create signer from public key")
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// Zero wipes the private key material held by this node.
func (k *HDKey) Zero() {
	for i := range k.key.Key {
		k.key.Key[i] = 0
	}
	for i := range k.key.ChainCode {
		k.key.ChainCode[i] = 0
	}
}
