package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Envelope layout:
//
//	encrypted: "KNVE" | version(1) | kdf(1) | kdf params(9) | saltLen(1) | salt | nonce(24) | ciphertext+tag
//	plaintext: "KNVP" | version(1) | JSON
//
// Everything before the ciphertext is authenticated as associated data.
var (
	magicEncrypted = []byte("KNVE")
	magicPlain     = []byte("KNVP")
)

// FormatVersion is the current envelope version.
const FormatVersion = 1

// SaltSize is the length of freshly generated salts.
const SaltSize = 32

const (
	kdfParamsSize = 9
	minSaltSize   = 16
	maxSaltSize   = 64
)

// Format identifies how persisted bytes are encoded.
type Format int

// Persisted formats.
const (
	FormatNone Format = iota
	FormatPlain
	FormatEncrypted
	FormatUnknown
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatPlain:
		return "plaintext"
	case FormatEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// DetectFormat inspects only the magic prefix.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) == 0:
		return FormatNone
	case bytes.HasPrefix(data, magicEncrypted):
		return FormatEncrypted
	case bytes.HasPrefix(data, magicPlain):
		return FormatPlain
	default:
		return FormatUnknown
	}
}

// KDF identifies a passphrase stretching algorithm.
type KDF uint8

// Supported KDFs.
const (
	KDFArgon2id KDF = 1
	KDFScrypt   KDF = 2
)

func (k KDF) String() string {
	switch k {
	case KDFArgon2id:
		return "argon2id"
	case KDFScrypt:
		return "scrypt"
	default:
		return fmt.Sprintf("kdf(%d)", uint8(k))
	}
}

// KDFParams holds the algorithm and its work factor. Only the fields of the
// selected algorithm are used.
type KDFParams struct {
	Algorithm KDF

	// argon2id
	Memory      uint32 // in KiB
	Iterations  uint32
	Parallelism uint8

	// scrypt
	LogN uint8
	R    uint32
	P    uint32
}

// DefaultKDFParams returns recommended Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:   KDFArgon2id,
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 4,
	}
}

// ScryptKDFParams returns scrypt parameters (N=2^15, r=8, p=1).
func ScryptKDFParams() KDFParams {
	return KDFParams{Algorithm: KDFScrypt, LogN: 15, R: 8, P: 1}
}

// Work factor ceilings, a small multiple of the defaults. The KDF runs
// before the AEAD tag is checked, so these bound what a tampered header can
// cost an unlock.
const (
	maxKDFMemory        = 1 << 30 // bytes, both algorithms
	maxArgonIterations  = 16
	maxArgonParallelism = 16
	maxScryptLogN       = 20
	maxScryptP          = 4
)

// Validate bounds the work factor so a tampered header cannot make unlock
// allocate more than maxKDFMemory or spin for minutes.
func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Memory < 8 || uint64(p.Memory)*1024 > maxKDFMemory {
			return fmt.Errorf("%w: argon2id memory %d KiB", ErrInvalidKDF, p.Memory)
		}
		if p.Iterations < 1 || p.Iterations > maxArgonIterations {
			return fmt.Errorf("%w: argon2id iterations %d", ErrInvalidKDF, p.Iterations)
		}
		if p.Parallelism < 1 || p.Parallelism > maxArgonParallelism {
			return fmt.Errorf("%w: argon2id parallelism %d", ErrInvalidKDF, p.Parallelism)
		}
	case KDFScrypt:
		if p.LogN < 10 || p.LogN > maxScryptLogN {
			return fmt.Errorf("%w: scrypt logN %d", ErrInvalidKDF, p.LogN)
		}
		if p.R < 1 || p.P < 1 || p.P > maxScryptP {
			return fmt.Errorf("%w: scrypt r=%d p=%d", ErrInvalidKDF, p.R, p.P)
		}
		if mem := 128 * uint64(p.R) * (uint64(1) << p.LogN); mem > maxKDFMemory {
			return fmt.Errorf("%w: scrypt needs %d bytes", ErrInvalidKDF, mem)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %d", ErrInvalidKDF, uint8(p.Algorithm))
	}
	return nil
}

// deriveKey stretches passphrase into a 32-byte key.
func (p KDFParams) deriveKey(passphrase, salt []byte) ([]byte, error) {
	switch p.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize), nil
	case KDFScrypt:
		key, err := scrypt.Key(passphrase, salt, 1<<p.LogN, int(p.R), int(p.P), chacha20poly1305.KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrInvalidKDF, uint8(p.Algorithm))
	}
}

func (p KDFParams) appendTo(b []byte) []byte {
	b = append(b, byte(p.Algorithm))
	switch p.Algorithm {
	case KDFArgon2id:
		b = binary.LittleEndian.AppendUint32(b, p.Memory)
		b = binary.LittleEndian.AppendUint32(b, p.Iterations)
		b = append(b, p.Parallelism)
	case KDFScrypt:
		b = append(b, p.LogN)
		b = binary.LittleEndian.AppendUint32(b, p.R)
		b = binary.LittleEndian.AppendUint32(b, p.P)
	}
	return b
}

func parseKDFParams(alg KDF, b []byte) KDFParams {
	p := KDFParams{Algorithm: alg}
	switch alg {
	case KDFArgon2id:
		p.Memory = binary.LittleEndian.Uint32(b[0:4])
		p.Iterations = binary.LittleEndian.Uint32(b[4:8])
		p.Parallelism = b[8]
	case KDFScrypt:
		p.LogN = b[0]
		p.R = binary.LittleEndian.Uint32(b[1:5])
		p.P = binary.LittleEndian.Uint32(b[5:9])
	}
	return p
}

// keyring holds the derived key and the salt it was derived with while the
// store is unlocked.
type keyring struct {
	key    []byte
	salt   []byte
	params KDFParams
}

// newKeyring derives a key for passphrase under a fresh random salt.
func newKeyring(passphrase []byte, params KDFParams) (*keyring, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := params.deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return &keyring{key: key, salt: salt, params: params}, nil
}

// matches reports whether passphrase derives this keyring's key.
func (k *keyring) matches(passphrase []byte) bool {
	key, err := k.params.deriveKey(passphrase, k.salt)
	if err != nil {
		return false
	}
	defer wipe(key)
	return subtle.ConstantTimeCompare(key, k.key) == 1
}

// zero wipes the key material.
func (k *keyring) zero() {
	wipe(k.key)
	wipe(k.salt)
	k.key = nil
	k.salt = nil
}

// seal encrypts plaintext under a fresh nonce.
func (k *keyring) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	header := make([]byte, 0, len(magicEncrypted)+2+kdfParamsSize+1+len(k.salt)+len(nonce))
	header = append(header, magicEncrypted...)
	header = append(header, FormatVersion)
	header = k.params.appendTo(header)
	header = append(header, byte(len(k.salt)))
	header = append(header, k.salt...)
	header = append(header, nonce...)

	return aead.Seal(header, nonce, plaintext, header), nil
}

// openEnvelope decrypts an encrypted envelope. Every malformed, truncated or
// tampered input and every wrong passphrase fails with ErrDecryption; the
// plaintext is never returned unless authentication succeeds.
func openEnvelope(passphrase, data []byte) ([]byte, *keyring, error) {
	if DetectFormat(data) != FormatEncrypted {
		return nil, nil, fmt.Errorf("%w: not an encrypted envelope", ErrDecryption)
	}
	off := len(magicEncrypted)
	if len(data) < off+2+kdfParamsSize+1 {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrDecryption)
	}
	if v := data[off]; v != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrDecryption, v)
	}
	alg := KDF(data[off+1])
	params := parseKDFParams(alg, data[off+2:off+2+kdfParamsSize])
	if err := params.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	off += 2 + kdfParamsSize

	saltLen := int(data[off])
	off++
	if saltLen < minSaltSize || saltLen > maxSaltSize {
		return nil, nil, fmt.Errorf("%w: salt length %d", ErrDecryption, saltLen)
	}
	if len(data) < off+saltLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, nil, fmt.Errorf("%w: truncated envelope", ErrDecryption)
	}
	salt := append([]byte{}, data[off:off+saltLen]...)
	off += saltLen
	nonce := data[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	header, ciphertext := data[:off], data[off:]

	key, err := params.deriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		wipe(key)
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		wipe(key)
		return nil, nil, ErrDecryption
	}
	return plaintext, &keyring{key: key, salt: salt, params: params}, nil
}

// sealPlain wraps plaintext in the unencrypted envelope.
func sealPlain(plaintext []byte) []byte {
	out := make([]byte, 0, len(magicPlain)+1+len(plaintext))
	out = append(out, magicPlain...)
	out = append(out, FormatVersion)
	return append(out, plaintext...)
}

// openPlain unwraps the unencrypted envelope.
func openPlain(data []byte) ([]byte, error) {
	if DetectFormat(data) != FormatPlain || len(data) < len(magicPlain)+1 {
		return nil, fmt.Errorf("not a plaintext envelope")
	}
	if v := data[len(magicPlain)]; v != FormatVersion {
		return nil, fmt.Errorf("unsupported plaintext version %d", v)
	}
	return data[len(magicPlain)+1:], nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
