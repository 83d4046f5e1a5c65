package txn

import (
	"context"
	"sync"
)

// Write is one staged mutation.
type Write struct {
	Key    string
	Value  any
	Delete bool
}

// Store holds committed state.
type Store interface {
	// Get returns the committed value for key.
	Get(ctx context.Context, key string) (any, bool, error)
	// Apply makes every write visible at once, or none of them.
	Apply(ctx context.Context, writes []Write) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			delete(s.data, w.Key)
			continue
		}
		s.data[w.Key] = w.Value
	}
	return nil
}

// Len returns the number of committed keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
