package storage

import (
	"fmt"
	"strings"
)

// Bucket is a named keyspace inside a shared DB. Keys are stored as
// "<name>/<key>"; callers only ever see the key part.
type Bucket struct {
	db     DB
	name   string
	prefix []byte
}

// NewBucket returns the bucket called name in db. Names are non-empty and
// may not contain '/', so buckets never overlap.
func NewBucket(db DB, name string) (*Bucket, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	return &Bucket{db: db, name: name, prefix: []byte(name + "/")}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

func (b *Bucket) key(k []byte) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	return append(append(out, b.prefix...), k...)
}

// Get retrieves a value by key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	return b.db.Get(b.key(key))
}

// Put stores a key-value pair.
func (b *Bucket) Put(key, value []byte) error {
	return b.db.Put(b.key(key), value)
}

// Delete removes a key.
func (b *Bucket) Delete(key []byte) error {
	return b.db.Delete(b.key(key))
}

// ForEach walks the keys in the bucket starting with prefix.
func (b *Bucket) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(b.prefix)
	return b.db.ForEach(b.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// NewBatch returns a batch scoped to the bucket, committed atomically by
// the underlying DB.
func (b *Bucket) NewBatch() Batch {
	return &bucketBatch{bucket: b, inner: b.db.NewBatch()}
}

// Close is a no-op; the shared DB is closed by its owner.
func (b *Bucket) Close() error {
	return nil
}

type bucketBatch struct {
	bucket *Bucket
	inner  Batch
}

func (bb *bucketBatch) Put(key, value []byte) error {
	return bb.inner.Put(bb.bucket.key(key), value)
}

func (bb *bucketBatch) Delete(key []byte) error {
	return bb.inner.Delete(bb.bucket.key(key))
}

func (bb *bucketBatch) Commit() error {
	return bb.inner.Commit()
}
