package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionCreate     Action = "create"
	ActionAdjust     Action = "adjust"
	ActionDeactivate Action = "deactivate"
	ActionEditField  Action = "edit_field"
)

// HistoryRecord is an immutable audit-trail entry describing one state
// change to an Item. Records are append-only; the newest record's
// ResultingBalance always equals the item's current balance.
type HistoryRecord struct {
	ID               string
	ItemID           string
	Action           Action
	Delta            decimal.Decimal // zero for non-quantity actions
	ResultingBalance decimal.Decimal
	Reason           Reason
	Field            string // edit_field only
	OldValue         string // edit_field only
	NewValue         string // edit_field only
	Notes            string
	ActorID          string
	ActorRole        Role
	RecordedAt       time.Time
}
