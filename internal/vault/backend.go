package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-vault/internal/storage"
)

// Backend persists the encoded collection as a single blob.
type Backend interface {
	// Load returns the persisted bytes or ErrNoData.
	Load() ([]byte, error)
	// Store replaces the persisted bytes atomically: after a crash either
	// the old or the new blob is readable, never a mix.
	Store(data []byte) error
}

// FileBackend stores the collection in one file, replaced by writing a
// temporary file, syncing it and renaming it over the old one.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the file location.
func (f *FileBackend) Path() string {
	return f.path
}

// Load reads the file.
func (f *FileBackend) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, ErrNoData
	}
	return data, nil
}

// Store writes data atomically.
func (f *FileBackend) Store(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	committed = true

	// Persist the rename itself. Not every platform can sync a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// collectionKey is the single key the collection lives under.
var collectionKey = []byte("collection")

// DBBackend stores the collection under one key of a key-value database,
// usually the "vault" bucket of the engine's badger instance. Writes go
// through a batch so badger commits them in one transaction.
type DBBackend struct {
	db storage.DB
}

// NewDBBackend wraps db.
func NewDBBackend(db storage.DB) *DBBackend {
	return &DBBackend{db: db}
}

// Load reads the collection blob.
func (b *DBBackend) Load() ([]byte, error) {
	data, err := b.db.Get(collectionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Store replaces the collection blob.
func (b *DBBackend) Store(data []byte) error {
	batch := b.db.NewBatch()
	if err := batch.Put(collectionKey, data); err != nil {
		return err
	}
	return batch.Commit()
}
