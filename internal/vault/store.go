// Package vault persists the wallet collection inside an authenticated,
// passphrase-encrypted envelope.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// Store owns the wallet collection and its persisted form. Every mutation
// and save runs under mu, so a save always persists a complete snapshot and
// the derived key never changes while a save is in flight.
type Store struct {
	mu      sync.Mutex
	backend Backend
	kdf     KDFParams
	keys    *keyring // nil while locked or when saving plaintext
	coll    *Collection
	logger  zerolog.Logger
}

// New creates a locked store. kdf is used when a new passphrase is set.
func New(backend Backend, kdf KDFParams) *Store {
	return &Store{
		backend: backend,
		kdf:     kdf,
		logger:  log.Storage,
	}
}

// IsEncrypted reports whether persisted data requires a passphrase. Only
// the header is inspected. A store with nothing persisted is not encrypted.
func (s *Store) IsEncrypted() (bool, error) {
	data, err := s.backend.Load()
	if errors.Is(err, ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load collection: %w", err)
	}
	switch DetectFormat(data) {
	case FormatEncrypted:
		return true, nil
	case FormatPlain:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unrecognized header", ErrDecryption)
	}
}

// Unlock loads and decrypts the collection. When nothing is persisted yet a
// new collection is started, encrypted under passphrase unless it is empty.
// Plaintext stores open regardless of the passphrase; a non-empty one is
// logged as a warning. Unlocking an already unlocked store re-checks the
// passphrase.
func (s *Store) Unlock(passphrase []byte) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coll != nil {
		if s.keys != nil && !s.keys.matches(passphrase) {
			return nil, ErrDecryption
		}
		return s.coll, nil
	}

	data, err := s.backend.Load()
	if errors.Is(err, ErrNoData) {
		var kr *keyring
		if len(passphrase) > 0 {
			if kr, err = newKeyring(passphrase, s.kdf); err != nil {
				return nil, err
			}
		}
		s.keys = kr
		s.coll = NewCollection()
		s.logger.Info().Bool("encrypted", kr != nil).Msg("Starting new wallet collection")
		return s.coll, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}

	var (
		plaintext []byte
		kr        *keyring
	)
	switch DetectFormat(data) {
	case FormatEncrypted:
		if plaintext, kr, err = openEnvelope(passphrase, data); err != nil {
			s.logger.Warn().Err(err).Msg("Unlock failed")
			return nil, err
		}
	case FormatPlain:
		if plaintext, err = openPlain(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		if len(passphrase) > 0 {
			s.logger.Warn().Msg("Collection is stored unencrypted, supplied passphrase ignored")
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized header", ErrDecryption)
	}
	defer wipe(plaintext)

	coll, err := decodeCollection(plaintext)
	if err != nil {
		if kr != nil {
			kr.zero()
		}
		return nil, err
	}

	s.keys = kr
	s.coll = coll
	s.logger.Info().
		Int("wallets", coll.Len()).
		Bool("encrypted", kr != nil).
		Msg("Wallet collection unlocked")
	return coll, nil
}

func decodeCollection(plaintext []byte) (*Collection, error) {
	var doc document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode collection: %v", ErrDecryption, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported collection version %d", doc.Version)
	}

	coll := NewCollection()
	for _, rec := range doc.Wallets {
		w, err := wallet.FromRecord(rec)
		if err == nil {
			err = coll.add(w)
		}
		if err != nil {
			coll.zeroAll()
			return nil, fmt.Errorf("load wallet %s: %w", rec.ID, err)
		}
	}
	return coll, nil
}

// IsUnlocked reports whether the collection is loaded.
func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll != nil
}

// HasPassphrase reports whether saves are encrypted.
func (s *Store) HasPassphrase() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys != nil
}

// Collection returns the unlocked collection.
func (s *Store) Collection() (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return nil, ErrLocked
	}
	return s.coll, nil
}

// Save serializes the collection, encrypts it under a fresh nonce and
// writes it atomically. On failure the previous persisted state is intact.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked("save")
}

func (s *Store) saveLocked(op string) error {
	if s.coll == nil {
		return ErrLocked
	}
	doc, err := s.coll.snapshot()
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return &PersistenceError{Op: op, Err: fmt.Errorf("encode: %w", err)}
	}
	defer wipe(plaintext)

	var blob []byte
	if s.keys != nil {
		if blob, err = s.keys.seal(plaintext); err != nil {
			return &PersistenceError{Op: op, Err: err}
		}
	} else {
		blob = sealPlain(plaintext)
		defer wipe(blob)
	}

	if err := s.backend.Store(blob); err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("Failed to persist collection")
		return &PersistenceError{Op: op, Err: err}
	}
	s.logger.Debug().
		Str("op", op).
		Int("wallets", len(doc.Wallets)).
		Bool("encrypted", s.keys != nil).
		Msg("Collection persisted")
	return nil
}

// AddWallet inserts w in memory only.
func (s *Store) AddWallet(w *wallet.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	return s.coll.add(w)
}

// RemoveWallet removes a wallet in memory only and wipes its seed.
func (s *Store) RemoveWallet(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	w, _, err := s.coll.remove(id)
	if err != nil {
		return err
	}
	w.Zero()
	return nil
}

// CommitWallet inserts w and saves. If the save fails the insert is undone.
func (s *Store) CommitWallet(w *wallet.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	if err := s.coll.add(w); err != nil {
		return err
	}
	if err := s.saveLocked("add wallet"); err != nil {
		s.coll.remove(w.ID())
		return err
	}
	s.logger.Info().Str("wallet", w.ID()).Str("flavor", w.Flavor().String()).Msg("Wallet added")
	return nil
}

// HandleWalletDeletion removes a wallet and persists the change. If the save
// fails the wallet is restored at its original position with its seed
// intact, so memory and storage never diverge. The seed is wiped only after
// the deletion is durable.
func (s *Store) HandleWalletDeletion(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	w, at, err := s.coll.remove(id)
	if err != nil {
		return err
	}
	if err := s.saveLocked("delete wallet"); err != nil {
		s.coll.restore(w, at)
		s.logger.Warn().Str("wallet", id).Msg("Deletion rolled back")
		return err
	}
	w.Zero()
	s.logger.Info().Str("wallet", id).Msg("Wallet deleted")
	return nil
}

// RenameWallet changes a label and saves, reverting on failure.
func (s *Store) RenameWallet(id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	old, err := s.coll.rename(id, label)
	if err != nil {
		return err
	}
	if err := s.saveLocked("rename wallet"); err != nil {
		s.coll.rename(id, old)
		return err
	}
	return nil
}

// ChangePassphrase re-encrypts the collection under next with a new salt.
// An empty next stores plaintext; setting a passphrase on a plaintext store
// encrypts it. The current passphrase must match.
func (s *Store) ChangePassphrase(current, next []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll == nil {
		return ErrLocked
	}
	if s.keys != nil && !s.keys.matches(current) {
		return ErrDecryption
	}

	var fresh *keyring
	if len(next) > 0 {
		var err error
		if fresh, err = newKeyring(next, s.kdf); err != nil {
			return err
		}
	}

	prev := s.keys
	s.keys = fresh
	if err := s.saveLocked("change passphrase"); err != nil {
		if fresh != nil {
			fresh.zero()
		}
		s.keys = prev
		return err
	}
	if prev != nil {
		prev.zero()
	}
	s.logger.Info().Bool("encrypted", fresh != nil).Msg("Passphrase changed")
	return nil
}

// Lock wipes the derived key and every wallet's key material. The store
// must be unlocked again before use.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		s.keys.zero()
		s.keys = nil
	}
	if s.coll != nil {
		s.coll.zeroAll()
		s.coll = nil
	}
}
