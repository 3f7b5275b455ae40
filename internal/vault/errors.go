package vault

import (
	"errors"
	"fmt"
)

// Vault errors.
var (
	ErrDecryption      = errors.New("decryption failed: wrong passphrase or corrupted data")
	ErrLocked          = errors.New("storage is locked")
	ErrNoData          = errors.New("no persisted collection")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrDuplicateWallet = errors.New("wallet already exists")
	ErrDuplicateLabel  = errors.New("wallet label already in use")
	ErrEmptyLabel      = errors.New("wallet label is empty")
	ErrInvalidKDF      = errors.New("invalid key derivation parameters")
)

// PersistenceError reports a failed write. The previously persisted state
// is intact and the in-memory collection matches it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
