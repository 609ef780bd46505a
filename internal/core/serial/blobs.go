package serial

import (
	"slices"
	"sync"
)

// BlobStore holds encoded blobs by hash. Implementations must be safe for
// concurrent use; putting the same hash twice must be harmless.
type BlobStore interface {
	Get(hash Hash) ([]byte, bool)
	Put(hash Hash, data []byte) error
}

// MapStore is an unbounded BlobStore backed by a map.
type MapStore struct {
	mu    sync.RWMutex
	blobs map[Hash][]byte
}

func NewMapStore() *MapStore {
	return &MapStore{blobs: make(map[Hash][]byte)}
}

func (s *MapStore) Get(hash Hash) ([]byte, bool) {
	s.mu.RLock()
	data, ok := s.blobs[hash]
	s.mu.RUnlock()
	return data, ok
}

func (s *MapStore) Put(hash Hash, data []byte) error {
	s.mu.Lock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = slices.Clone(data)
	}
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
