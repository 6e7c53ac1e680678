// Package cas provides content-addressed storage backends for file payloads.
// The journal only records path-to-content mappings; the bytes themselves
// live in a ContentStore.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/INLOpen/nexusvfs/core"
)

// MemStore is an in-memory content-addressed store. Content identifiers are
// the hex-encoded SHA-256 of the payload, so identical payloads deduplicate
// to a single blob.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[core.ContentID][]byte
}

var _ core.ContentStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[core.ContentID][]byte)}
}

// Put stores the payload and returns its content identifier.
func (s *MemStore) Put(ctx context.Context, data []byte) (core.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	id := core.ContentID(hex.EncodeToString(sum[:]))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		copied := make([]byte, len(data))
		copy(copied, data)
		s.blobs[id] = copied
	}
	return id, nil
}

// Get returns a copy of the payload for a content identifier.
func (s *MemStore) Get(ctx context.Context, id core.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: content %s", core.ErrNotFound, id)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// Len returns the number of distinct blobs stored.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
