package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/metrics"
	"github.com/ehslabs/lab-ledger/internal/port"
)

var (
	ErrForbidden        = errors.New("insufficient role")
	ErrInvalidReason    = errors.New("reason not in allowed set")
	ErrValidation       = errors.New("invalid attributes")
	ErrUnknownFamily    = errors.New("unknown entity family")
	ErrDuplicateRequest = errors.New("duplicate request")
)

const idempotencyKeyPrefix = "ledger:req:"

// LedgerService is the sole entry point for changing an item's balance
// or active status. It validates actor roles and business constraints,
// then delegates the paired item+history write to the store, which
// commits both atomically.
type LedgerService struct {
	store    port.LedgerStore
	cache    port.CacheRepository // optional, request deduplication
	events   port.EventPublisher  // optional, audit event stream
	families map[string]domain.Family
}

func NewLedgerService(store port.LedgerStore, families map[string]domain.Family, cache port.CacheRepository, events port.EventPublisher) *LedgerService {
	return &LedgerService{
		store:    store,
		cache:    cache,
		events:   events,
		families: families,
	}
}

func (s *LedgerService) family(key string) (domain.Family, error) {
	fam, ok := s.families[key]
	if !ok {
		return domain.Family{}, fmt.Errorf("%w: %q", ErrUnknownFamily, key)
	}
	return fam, nil
}

// CreateItem registers a new item with its initial balance and the
// matching creation record.
func (s *LedgerService) CreateItem(ctx context.Context, familyKey string, attrs domain.NewItem, actor domain.Actor) (*domain.Item, error) {
	start := time.Now()
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(fam.CreateRole) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrForbidden, fam.Key, fam.CreateRole)
	}
	if strings.TrimSpace(attrs.Name) == "" || strings.TrimSpace(attrs.BatchNumber) == "" || strings.TrimSpace(attrs.Unit) == "" {
		return nil, fmt.Errorf("%w: name, batch number, and unit are required", ErrValidation)
	}
	if attrs.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", ErrValidation)
	}

	now := time.Now().UTC()
	item := domain.Item{
		ID:          uuid.New().String(),
		Family:      fam.Key,
		Name:        strings.TrimSpace(attrs.Name),
		BatchNumber: strings.TrimSpace(attrs.BatchNumber),
		Unit:        strings.TrimSpace(attrs.Unit),
		Balance:     attrs.InitialBalance,
		Active:      true,
		CreatedBy:   actor.ID,
		ExpiresAt:   attrs.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	record := domain.HistoryRecord{
		ID:               uuid.New().String(),
		ItemID:           item.ID,
		Action:           domain.ActionCreate,
		Delta:            attrs.InitialBalance,
		ResultingBalance: attrs.InitialBalance,
		Notes:            attrs.Notes,
		ActorID:          actor.ID,
		ActorRole:        actor.Role,
		RecordedAt:       now,
	}

	err = s.store.CreateItem(ctx, item, record)
	s.observe(fam.Key, domain.ActionCreate, start, err)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.LedgerEvent{
		ItemID:           item.ID,
		Family:           fam.Key,
		Action:           domain.ActionCreate,
		Delta:            attrs.InitialBalance,
		ResultingBalance: attrs.InitialBalance,
		ActorID:          actor.ID,
		OccurredAt:       now,
	})
	return &item, nil
}

// AdjustBalance applies a signed delta to an active item. The store
// guarantees the balance never goes negative and that the item update
// and its history record commit together or not at all.
func (s *LedgerService) AdjustBalance(ctx context.Context, familyKey, itemID string, delta decimal.Decimal, reason domain.Reason, notes string, actor domain.Actor, requestID string) (*domain.Item, *domain.HistoryRecord, error) {
	start := time.Now()
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Role.AtLeast(fam.AdjustRole) {
		return nil, nil, fmt.Errorf("%w: %s requires %s", ErrForbidden, fam.Key, fam.AdjustRole)
	}
	if delta.IsZero() {
		return nil, nil, fmt.Errorf("%w: delta must be nonzero", ErrValidation)
	}
	if !fam.AllowsReason(reason) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	idempotencyKey := ""
	if requestID != "" && s.cache != nil {
		idempotencyKey = idempotencyKeyPrefix + requestID
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, nil, ErrDuplicateRequest
		}
	}

	now := time.Now().UTC()
	record := domain.HistoryRecord{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		Action:     domain.ActionAdjust,
		Delta:      delta,
		Reason:     reason,
		Notes:      notes,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		RecordedAt: now,
	}

	item, err := s.store.AdjustBalance(ctx, fam.Key, itemID, delta, record)
	s.observe(fam.Key, domain.ActionAdjust, start, err)
	if err != nil {
		// Free the key so the caller can retry the same request.
		if idempotencyKey != "" {
			if releaseErr := s.cache.ReleaseIdempotency(ctx, idempotencyKey); releaseErr != nil {
				log.Printf("ledger: failed to release idempotency key %s: %v", idempotencyKey, releaseErr)
			}
		}
		return nil, nil, err
	}
	record.ResultingBalance = item.Balance

	s.publish(ctx, domain.LedgerEvent{
		ItemID:           item.ID,
		Family:           fam.Key,
		Action:           domain.ActionAdjust,
		Delta:            delta,
		ResultingBalance: item.Balance,
		ActorID:          actor.ID,
		OccurredAt:       now,
	})
	return item, &record, nil
}

// Deactivate retires an item. Deactivation is terminal and more
// privileged than adjustment. Re-deactivating an inactive item is an
// idempotent no-op that records nothing.
func (s *LedgerService) Deactivate(ctx context.Context, familyKey, itemID string, actor domain.Actor) (*domain.Item, error) {
	start := time.Now()
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(fam.DeactivateRole) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrForbidden, fam.Key, fam.DeactivateRole)
	}

	now := time.Now().UTC()
	record := domain.HistoryRecord{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		Action:     domain.ActionDeactivate,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		RecordedAt: now,
	}

	item, changed, err := s.store.SetInactive(ctx, fam.Key, itemID, record)
	s.observe(fam.Key, domain.ActionDeactivate, start, err)
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, domain.LedgerEvent{
			ItemID:           item.ID,
			Family:           fam.Key,
			Action:           domain.ActionDeactivate,
			ResultingBalance: item.Balance,
			ActorID:          actor.ID,
			OccurredAt:       now,
		})
	}
	return item, nil
}

// EditField changes one descriptive field on an active item, recording
// the old and new values in the history.
func (s *LedgerService) EditField(ctx context.Context, familyKey, itemID, field, newValue string, actor domain.Actor) (*domain.Item, error) {
	start := time.Now()
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(fam.AdjustRole) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrForbidden, fam.Key, fam.AdjustRole)
	}
	if !fam.Editable(field) {
		return nil, fmt.Errorf("%w: field %q is not editable", ErrValidation, field)
	}
	newValue = strings.TrimSpace(newValue)
	if newValue == "" {
		return nil, fmt.Errorf("%w: new value must not be empty", ErrValidation)
	}

	now := time.Now().UTC()
	record := domain.HistoryRecord{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		Action:     domain.ActionEditField,
		Field:      field,
		NewValue:   newValue,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		RecordedAt: now,
	}

	item, err := s.store.UpdateField(ctx, fam.Key, itemID, field, newValue, record)
	s.observe(fam.Key, domain.ActionEditField, start, err)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.LedgerEvent{
		ItemID:           item.ID,
		Family:           fam.Key,
		Action:           domain.ActionEditField,
		ResultingBalance: item.Balance,
		ActorID:          actor.ID,
		OccurredAt:       now,
	})
	return item, nil
}

func (s *LedgerService) GetItem(ctx context.Context, familyKey, itemID string) (*domain.Item, error) {
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	return s.store.GetItem(ctx, fam.Key, itemID)
}

func (s *LedgerService) ListItems(ctx context.Context, familyKey string, activeOnly bool) ([]domain.Item, error) {
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, fam.Key, activeOnly)
}

// History returns an item's audit trail in insertion order, oldest
// first.
func (s *LedgerService) History(ctx context.Context, familyKey, itemID string) ([]domain.HistoryRecord, error) {
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, fam.Key, itemID)
}

// ExpiringSoon lists active items expiring within the given window.
func (s *LedgerService) ExpiringSoon(ctx context.Context, familyKey string, within time.Duration) ([]domain.Item, error) {
	fam, err := s.family(familyKey)
	if err != nil {
		return nil, err
	}
	return s.store.ExpiringSoon(ctx, fam.Key, time.Now().UTC().Add(within))
}

func (s *LedgerService) publish(ctx context.Context, event domain.LedgerEvent) {
	if s.events == nil {
		return
	}
	// Publish failures never roll back a committed mutation.
	if err := s.events.Publish(ctx, event); err != nil {
		log.Printf("ledger: failed to publish %s event for item %s: %v", event.Action, event.ItemID, err)
	}
}

func (s *LedgerService) observe(family string, action domain.Action, start time.Time, err error) {
	metrics.MutationsTotal.WithLabelValues(family, string(action), outcome(err)).Inc()
	metrics.MutationDuration.WithLabelValues(family, string(action)).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrItemInactive):
		return "item_inactive"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrDuplicateBatch):
		return "duplicate_batch"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
