package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
)

// LedgerStore persists items and their audit history. Every mutating
// method commits the item update and its history record in one atomic
// transaction, or neither. Failed writes are classified into the
// domain sentinel errors.
type LedgerStore interface {
	// CreateItem inserts a new item together with its creation record.
	CreateItem(ctx context.Context, item domain.Item, record domain.HistoryRecord) error

	// GetItem retrieves an item by family and id.
	GetItem(ctx context.Context, family, itemID string) (*domain.Item, error)

	// ListItems retrieves items of a family, optionally active only.
	ListItems(ctx context.Context, family string, activeOnly bool) ([]domain.Item, error)

	// AdjustBalance applies a signed delta to an active item's balance,
	// guaranteeing the result never goes negative, and appends the
	// history record with its resulting balance filled in.
	AdjustBalance(ctx context.Context, family, itemID string, delta decimal.Decimal, record domain.HistoryRecord) (*domain.Item, error)

	// SetInactive flips an active item to inactive and records it.
	// Deactivating an already-inactive item is a no-op: the current
	// state is returned with changed=false and no record is appended.
	SetInactive(ctx context.Context, family, itemID string, record domain.HistoryRecord) (item *domain.Item, changed bool, err error)

	// UpdateField changes one descriptive field on an active item and
	// appends an edit record carrying the old and new values.
	UpdateField(ctx context.Context, family, itemID, field, newValue string, record domain.HistoryRecord) (*domain.Item, error)

	// History returns an item's records in insertion order, oldest first.
	History(ctx context.Context, family, itemID string) ([]domain.HistoryRecord, error)

	// ExpiringSoon lists active items whose expiration falls on or
	// before the cutoff.
	ExpiringSoon(ctx context.Context, family string, cutoff time.Time) ([]domain.Item, error)
}
