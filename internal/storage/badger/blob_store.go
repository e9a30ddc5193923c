// Package badger stores blobs in an embedded Badger key-value database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const (
	keyPrefix       = "blob/"
	maxTxnConflicts = 5
)

// Config captures the parameters for the Badger blob store.
type Config struct {
	// Dir is the database directory. Empty with InMemory set runs without disk.
	Dir      string
	InMemory bool
}

// BlobStore keeps objects in Badger, one key per digest.
type BlobStore struct {
	db *badger.DB
}

// New opens (or creates) the Badger database.
func New(cfg Config) (*BlobStore, error) {
	if !cfg.InMemory && strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("badger directory is required")
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BlobStore{db: db}, nil
}

// Create sets the key inside a read-write transaction that first checks for
// the key. Badger aborts the later of two conflicting transactions, which is
// retried and then observes the winner's object.
func (s *BlobStore) Create(ctx context.Context, key string, data []byte) (bool, error) {
	k := []byte(keyPrefix + key)
	for attempt := 0; attempt < maxTxnConflicts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("create object: %w", err)
		}
		created := false
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			created = true
			return txn.Set(k, data)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("create object: %w", err)
		}
		return created, nil
	}
	return false, fmt.Errorf("create object %s: %w", key, badger.ErrConflict)
}

// Get returns a copy of the stored value.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("object %s: %w", key, harvest.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return data, nil
}

// Exists reports whether key is stored.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("get object: %w", err)
	}
}

// Close flushes and closes the database.
func (s *BlobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}
