package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps entries in a newest-first slice
type InMemoryStore struct {
	entries []Entry
	cap     int
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryStore creates a store that keeps at most capacity entries (DefaultCap when <= 0)
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &InMemoryStore{cap: capacity, now: time.Now}
}

// Append records an entry
func (s *InMemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(e, s.now())
	s.entries = insert(s.entries, e.clone(), s.cap)
	return nil
}

// Query returns a page of matching entries
func (s *InMemoryStore) Query(ctx context.Context, q Query) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return page(s.entries, q), nil
}

// Prune removes entries older than maxAgeDays
func (s *InMemoryStore) Prune(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff, err := pruneCutoff(s.now(), maxAgeDays)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	s.entries, removed = prune(s.entries, cutoff)
	return removed, nil
}
