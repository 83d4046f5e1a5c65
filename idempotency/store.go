package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/flowgraph/errors"
)

// State is the lifecycle state of a record.
type State string

const (
	StateReserved  State = "reserved"
	StateCompleted State = "completed"
)

// Record is what a store keeps per key.
type Record struct {
	Key       Key            `json:"key"`
	State     State          `json:"state"`
	Token     string         `json:"token"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Store persists reservations and results.
type Store interface {
	// Reserve claims key for token unless a live record exists. When it
	// does not reserve, it returns the live record.
	Reserve(ctx context.Context, key Key, token string, ttl time.Duration) (Record, bool, error)
	// Complete stores result under key. It fails with IDEMPOTENCY_CONFLICT
	// when a live record belongs to another token.
	Complete(ctx context.Context, key Key, token string, result map[string]any, ttl time.Duration) error
	// Release drops the reservation held by token, if any.
	Release(ctx context.Context, key Key, token string) error
	// Get returns the live record for key, or nil.
	Get(ctx context.Context, key Key) (*Record, error)
}

// MemoryStore is an in-process Store with an injectable clock.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record), now: time.Now}
}

// WithClock replaces the store's clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) live(key Key) (Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return Record{}, false
	}
	return rec, true
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key Key, token string, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.live(key); ok {
		return rec, false, nil
	}
	now := s.now()
	rec := Record{Key: key, State: StateReserved, Token: token, CreatedAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return rec, true, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key, token string, result map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.live(key); ok && rec.Token != token {
		return errors.IdempotencyConflict(string(key)).WithDetail("holder_state", string(rec.State))
	}
	now := s.now()
	rec := Record{Key: key, State: StateCompleted, Token: token, Result: result, CreatedAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key Key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.live(key); ok && rec.State == StateReserved && rec.Token == token {
		delete(s.records, key)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
