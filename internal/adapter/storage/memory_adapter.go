package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/port"
)

// MemoryAdapter is an in-memory implementation of port.LedgerStore,
// used by unit tests and the default dev configuration. A single mutex
// makes every mutation atomic with respect to its history append.
type MemoryAdapter struct {
	mu      sync.Mutex
	items   map[string]*domain.Item           // family/id
	batches map[string]string                 // family/batch -> item id
	history map[string][]domain.HistoryRecord // family/id
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:   make(map[string]*domain.Item),
		batches: make(map[string]string),
		history: make(map[string][]domain.HistoryRecord),
	}
}

func itemKey(family, id string) string {
	return family + "/" + id
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.Item, record domain.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batchKey := itemKey(item.Family, item.BatchNumber)
	if _, exists := m.batches[batchKey]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, item.BatchNumber)
	}

	key := itemKey(item.Family, item.ID)
	stored := item
	m.items[key] = &stored
	m.batches[batchKey] = item.ID
	m.history[key] = append(m.history[key], record)
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, family, itemID string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemKey(family, itemID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (m *MemoryAdapter) ListItems(ctx context.Context, family string, activeOnly bool) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Item
	for _, item := range m.items {
		if item.Family != family {
			continue
		}
		if activeOnly && !item.Active {
			continue
		}
		result = append(result, *item)
	}
	return result, nil
}

func (m *MemoryAdapter) AdjustBalance(ctx context.Context, family, itemID string, delta decimal.Decimal, record domain.HistoryRecord) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(family, itemID)
	item, ok := m.items[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !item.Active {
		return nil, domain.ErrItemInactive
	}

	newBalance := item.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, delta %s", domain.ErrInsufficientBalance, item.Balance, delta)
	}

	item.Balance = newBalance
	item.Version++
	item.UpdatedAt = time.Now().UTC()

	record.ResultingBalance = newBalance
	m.history[key] = append(m.history[key], record)

	copied := *item
	return &copied, nil
}

func (m *MemoryAdapter) SetInactive(ctx context.Context, family, itemID string, record domain.HistoryRecord) (*domain.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(family, itemID)
	item, ok := m.items[key]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !item.Active {
		copied := *item
		return &copied, false, nil
	}

	item.Active = false
	item.Version++
	item.UpdatedAt = time.Now().UTC()

	record.ResultingBalance = item.Balance
	m.history[key] = append(m.history[key], record)

	copied := *item
	return &copied, true, nil
}

func (m *MemoryAdapter) UpdateField(ctx context.Context, family, itemID, field, newValue string, record domain.HistoryRecord) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(family, itemID)
	item, ok := m.items[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !item.Active {
		return nil, domain.ErrItemInactive
	}

	switch field {
	case "name":
		record.OldValue = item.Name
		item.Name = newValue
	case "unit":
		record.OldValue = item.Unit
		item.Unit = newValue
	default:
		return nil, fmt.Errorf("unsupported field %q", field)
	}

	item.Version++
	item.UpdatedAt = time.Now().UTC()

	record.NewValue = newValue
	record.ResultingBalance = item.Balance
	m.history[key] = append(m.history[key], record)

	copied := *item
	return &copied, nil
}

func (m *MemoryAdapter) History(ctx context.Context, family, itemID string) ([]domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(family, itemID)
	if _, ok := m.items[key]; !ok {
		return nil, domain.ErrNotFound
	}

	records := m.history[key]
	copied := make([]domain.HistoryRecord, len(records))
	copy(copied, records)
	return copied, nil
}

func (m *MemoryAdapter) ExpiringSoon(ctx context.Context, family string, cutoff time.Time) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Item
	for _, item := range m.items {
		if item.Family != family || !item.Active || item.ExpiresAt == nil {
			continue
		}
		if !item.ExpiresAt.After(cutoff) {
			result = append(result, *item)
		}
	}
	return result, nil
}

var _ port.LedgerStore = (*MemoryAdapter)(nil)
