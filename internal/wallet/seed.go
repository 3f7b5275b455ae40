package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// SeedSize is the length of a derived seed in bytes (512 bits).
const SeedSize = 64

// SeedFromMnemonic derives a 512-bit seed from a mnemonic and optional passphrase
// using PBKDF2-SHA512 as specified in BIP-39.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}

// Seed holds a wallet's mnemonic and the BIP-39 seed derived from it.
// Both live in byte slices so they can be wiped.
type Seed struct {
	mnemonic []byte
	seed     []byte
}

// NewSeed validates mnemonic and derives its seed (empty BIP-39 passphrase).
func NewSeed(mnemonic string) (*Seed, error) {
	mnemonic = NormalizeMnemonic(mnemonic)
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	return &Seed{mnemonic: []byte(mnemonic), seed: seed}, nil
}

// Mnemonic returns the mnemonic phrase.
func (s *Seed) Mnemonic() string {
	return string(s.mnemonic)
}

// Bytes returns the 64-byte BIP-39 seed.
func (s *Seed) Bytes() []byte {
	return s.seed
}

// Wiped reports whether Zero has been called.
func (s *Seed) Wiped() bool {
	return s.seed == nil
}

// Zero overwrites the mnemonic and seed bytes.
func (s *Seed) Zero() {
	wipe(s.mnemonic)
	wipe(s.seed)
	s.mnemonic = nil
	s.seed = nil
}
