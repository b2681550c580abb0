package domain

import "errors"

// Storage-level outcomes. Adapters classify failed writes into these so
// the service and handlers can match them with errors.Is.
var (
	ErrNotFound            = errors.New("item not found")
	ErrItemInactive        = errors.New("item is inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateBatch      = errors.New("duplicate batch number")
	ErrConflict            = errors.New("concurrent modification conflict")
)
