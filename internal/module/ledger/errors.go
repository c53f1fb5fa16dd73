package ledger

import "errors"

var (
	ErrAccountNotFound     = errors.New("token account not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrAlreadyRefunded     = errors.New("task already refunded")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrMissingTaskID       = errors.New("task id is required")
	ErrTransactionNotFound = errors.New("ledger transaction not found")
	ErrInvariantViolation  = errors.New("ledger invariant violation")
)
