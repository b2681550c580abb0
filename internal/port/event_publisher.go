package port

import (
	"context"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
)

type EventPublisher interface {
	// Publish emits a ledger event for external reporting consumers.
	Publish(ctx context.Context, event domain.LedgerEvent) error
}
