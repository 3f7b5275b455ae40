// Package storage provides the key-value databases behind the badger vault
// backend and the price cache.
package storage

import "errors"

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is a key-value store with atomic batches. The vault relies on
// NewBatch: a collection save is either fully committed or not at all.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// ForEach calls fn for every key starting with prefix, with copies of
	// key and value. A non-nil error from fn stops the walk and is returned.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	NewBatch() Batch
	Close() error
}

// Batch collects writes that Commit applies together.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}
