// Package wallet implements HD wallet functionality for the supported
// Bitcoin wallet flavors.
package wallet

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// DefaultMnemonicWords is the word count used when none is requested.
const DefaultMnemonicWords = 12

// entropyReader is the randomness source for new seeds. Tests swap it.
var entropyReader io.Reader = rand.Reader

// EntropyBits returns the entropy size for a BIP-39 word count
// (12, 15, 18, 21 or 24 words map to 128..256 bits).
func EntropyBits(words int) (int, error) {
	switch words {
	case 12, 15, 18, 21, 24:
		return words * 32 / 3, nil
	default:
		return 0, fmt.Errorf("unsupported mnemonic length %d words", words)
	}
}

// GenerateMnemonic creates a new BIP-39 mnemonic with the given word count.
// Fresh entropy is checked against every value handed out before in this
// process, so two generated wallets never share a seed.
func GenerateMnemonic(words int) (string, error) {
	bits, err := EntropyBits(words)
	if err != nil {
		return "", err
	}

	entropy := make([]byte, bits/8)
	defer wipe(entropy)

	n, err := io.ReadFull(entropyReader, entropy)
	if err != nil {
		return "", fmt.Errorf("%w: read %d of %d bytes: %v", ErrEntropySource, n, len(entropy), err)
	}
	if err := guard.claim(entropy); err != nil {
		return "", err
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid per BIP-39
// (correct word count, valid words, valid checksum).
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NormalizeMnemonic lowercases the phrase and collapses whitespace.
func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
