package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEvent is published after every committed mutation so external
// reporting consumers can follow the audit trail.
type LedgerEvent struct {
	ItemID           string          `json:"item_id"`
	Family           string          `json:"family"`
	Action           Action          `json:"action"`
	Delta            decimal.Decimal `json:"delta"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	ActorID          string          `json:"actor_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
}
