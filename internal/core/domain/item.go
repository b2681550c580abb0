package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a trackable lab record with a mutable balance: a chemical
// lot, a reagent batch, or a standard batch depending on its family.
// Items are never deleted, only deactivated.
type Item struct {
	ID          string
	Family      string
	Name        string
	BatchNumber string
	Unit        string
	Balance     decimal.Decimal
	Active      bool
	CreatedBy   string
	Version     int // optimistic locking
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewItem carries the caller-supplied attributes for item creation.
type NewItem struct {
	Name           string
	BatchNumber    string
	Unit           string
	InitialBalance decimal.Decimal
	ExpiresAt      *time.Time
	Notes          string
}
