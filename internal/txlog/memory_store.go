package txlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryStore creates a new in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *e
	cp.ID = s.nextID
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, &cp)
	e.ID = cp.ID
	return nil
}

func (s *MemoryStore) ListByEscrow(_ context.Context, escrowID int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for _, e := range s.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) List(_ context.Context, afterID int64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Entries append in id order, so walk backwards for newest first.
	var result []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.entries[i]
		if afterID > 0 && e.ID >= afterID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) EscrowCounts(_ context.Context) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int)
	for _, e := range s.entries {
		counts[e.EscrowID]++
	}
	return counts, nil
}

var _ Store = (*MemoryStore)(nil)
