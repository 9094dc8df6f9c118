package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidCart       = errors.New("invalid cart")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrMemoCollision     = errors.New("memo collision")
	// ErrStaleTransition is returned when a compare-and-set on intent status
	// loses against a concurrent writer.
	ErrStaleTransition = errors.New("stale status transition")
	ErrTxHashClaimed   = errors.New("transaction already claimed")
	ErrCycleInProgress = errors.New("reconciliation cycle in progress")
)
