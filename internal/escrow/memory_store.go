package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for demo/development mode and
// tests. One mutex guards everything, which makes the conditional writes
// trivially linearizable.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[int64]*Escrow
	nextID  int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[int64]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	esc.ID = m.nextID
	cp := *esc
	m.escrows[esc.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	esc, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers never share the stored pointer.
	cp := *esc
	return &cp, nil
}

func (m *MemoryStore) GetInConversation(ctx context.Context, id, conversationID int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	esc, ok := m.escrows[id]
	if !ok || esc.ConversationID != conversationID {
		return nil, ErrNotFound
	}
	cp := *esc
	return &cp, nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[id]
	if !ok {
		return false, ErrNotFound
	}
	if esc.Status != expected {
		return false, nil
	}
	esc.Status = next
	esc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) CompareAndSetPayout(ctx context.Context, id int64, expected, next Status, payoutInfo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[id]
	if !ok {
		return false, ErrNotFound
	}
	if esc.Status != expected || esc.PayoutInfo != "" {
		return false, nil
	}
	esc.Status = next
	esc.PayoutInfo = payoutInfo
	esc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id int64, next Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	esc.Status = next
	esc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordBuyerID(ctx context.Context, id, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if esc.BuyerID == 0 {
		esc.BuyerID = accountID
	}
	return nil
}

func (m *MemoryStore) RecordSellerID(ctx context.Context, id, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if esc.SellerID == 0 {
		esc.SellerID = accountID
	}
	return nil
}

func (m *MemoryStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ConversationID == conversationID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, afterID int64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if afterID > 0 && e.ID >= afterID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) VolumeByCurrency(ctx context.Context, statuses []Status) (map[string]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	totals := make(map[string]decimal.Decimal)
	for _, e := range m.escrows {
		if !wanted[e.Status] {
			continue
		}
		totals[e.Currency] = totals[e.Currency].Add(e.Amount)
	}
	return totals, nil
}

var _ Store = (*MemoryStore)(nil)
