// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the blobstore.Store interface.
//
// # Purpose
//
// This package backs the cache and artifact stores of a run when no
// directory is configured. Blobs live for the lifetime of the process.
//
// # Concurrency Model
//
// The store uses sync.Map because cache and artifact keys are written
// once and read many times by independent jobs, and writers to distinct
// keys should never contend. Writers to the same key are
// last-writer-wins; Put reports the replacement so callers can warn.
package inmemorystore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/vk/burstci/internal/blobstore"
)

// Store is an in-memory implementation of blobstore.Store.
type Store struct {
	blobs sync.Map // Key: blob key, Value: []byte
}

var _ blobstore.Store = (*Store)(nil)

// New creates a new, empty in-memory blob store.
func New() *Store {
	return &Store{}
}

// Get retrieves a copy of the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.blobs.Load(key)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v.([]byte)), true, nil
}

// Put stores a copy of data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, loaded := s.blobs.Swap(key, slices.Clone(data))
	return loaded, nil
}

// List returns the sorted keys starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	s.blobs.Range(func(k, _ any) bool {
		if key := k.(string); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	slices.Sort(keys)
	return keys, nil
}
