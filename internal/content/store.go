// Package content implements the deduplicating content store: blobs are keyed
// by the digest of their actual bytes and written at most once.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
)

// Store layers digest computation and collision detection over a BlobStore.
type Store struct {
	blobs  harvest.BlobStore
	hasher harvest.Hasher
	logger *zap.Logger

	mu          sync.RWMutex
	quarantined map[string]struct{}
}

// New constructs a Store.
func New(blobs harvest.BlobStore, hasher harvest.Hasher, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:       blobs,
		hasher:      hasher,
		logger:      logger.Named("content"),
		quarantined: make(map[string]struct{}),
	}, nil
}

// Put stores data under its digest and returns the digest. When the digest is
// already stored, the existing bytes must equal data; otherwise Put fails with
// harvest.ErrDigestCollision and refuses every later write of that digest.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	if s.isQuarantined(digest) {
		return "", fmt.Errorf("put %s: %w", digest, harvest.ErrDigestCollision)
	}

	created, err := s.blobs.Create(ctx, digest, data)
	if err != nil {
		return "", fmt.Errorf("put %s: %w: %v", digest, harvest.ErrStoreUnavailable, err)
	}
	if created {
		metrics.ObserveBlobPut("created")
		return digest, nil
	}

	existing, err := s.blobs.Get(ctx, digest)
	if err != nil {
		return "", fmt.Errorf("verify %s: %w: %v", digest, harvest.ErrStoreUnavailable, err)
	}
	if !bytes.Equal(existing, data) {
		s.quarantine(digest)
		metrics.ObserveBlobPut("collision")
		s.logger.Error("digest collision: stored bytes differ from new content",
			zap.String("digest", digest),
			zap.Int("stored_bytes", len(existing)),
			zap.Int("new_bytes", len(data)),
		)
		return "", fmt.Errorf("put %s: %w", digest, harvest.ErrDigestCollision)
	}
	metrics.ObserveBlobPut("deduplicated")
	return digest, nil
}

// Get returns the bytes stored under digest or harvest.ErrNotFound.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, digest)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s: %w: %v", digest, harvest.ErrStoreUnavailable, err)
	}
	return data, nil
}

// Exists reports whether digest is stored.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	ok, err := s.blobs.Exists(ctx, digest)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w: %v", digest, harvest.ErrStoreUnavailable, err)
	}
	return ok, nil
}

func (s *Store) isQuarantined(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quarantined[digest]
	return ok
}

func (s *Store) quarantine(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[digest] = struct{}{}
}
