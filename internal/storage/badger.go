package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB implements DB using Badger.
type BadgerDB struct {
	db       *badger.DB
	inMemory bool
}

// NewBadger opens the database at path, or an in-memory one when path is
// empty. Writes are synced before they return and only the latest version
// of a key is kept, so a replaced collection blob becomes garbage the value
// log collector can drop.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") ||
			strings.Contains(err.Error(), "resource temporarily unavailable") {
			return nil, fmt.Errorf("vault database at %s is in use (is vaultd running?): %w", path, err)
		}
		return nil, fmt.Errorf("open vault database at %s: %w", path, err)
	}
	return &BadgerDB{db: db, inMemory: path == ""}, nil
}

// Get retrieves a value by key.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

// Put stores a key-value pair.
func (b *BadgerDB) Put(key, value []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) }); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (b *BadgerDB) Delete(key []byte) error {
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// ForEach walks the keys starting with prefix in key order.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch returns a batch backed by one read-write transaction.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{txn: b.db.NewTransaction(true)}
}

// CollectGarbage rewrites value log files until no file is worth
// rewriting, dropping superseded values.
func (b *BadgerDB) CollectGarbage() error {
	if b.inMemory {
		return nil
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close collects value log garbage and closes the database.
func (b *BadgerDB) Close() error {
	gcErr := b.CollectGarbage()
	if err := b.db.Close(); err != nil {
		return err
	}
	return gcErr
}

type badgerBatch struct {
	txn *badger.Txn
}

func (bb *badgerBatch) Put(key, value []byte) error {
	if err := bb.txn.Set(key, value); err != nil {
		return fmt.Errorf("badger batch put: %w", err)
	}
	return nil
}

func (bb *badgerBatch) Delete(key []byte) error {
	if err := bb.txn.Delete(key); err != nil {
		return fmt.Errorf("badger batch delete: %w", err)
	}
	return nil
}

func (bb *badgerBatch) Commit() error {
	defer bb.txn.Discard()
	if err := bb.txn.Commit(); err != nil {
		return fmt.Errorf("badger batch commit: %w", err)
	}
	return nil
}
