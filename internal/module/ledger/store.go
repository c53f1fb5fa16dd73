package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store persists accounts and their transaction log. Debit and Refund must
// update the account and append the entry atomically.
type Store interface {
	// GetOrCreateAccount returns the account for userID, creating it with
	// grant tokens if it does not exist.
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID, grant int64) (*TokenAccount, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*TokenAccount, error)

	// Debit adds amount to Used only if Available >= amount and appends entry.
	// Returns ErrInsufficientBalance otherwise.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error)

	// Refund subtracts up to amount from Used, floored at zero, and appends
	// entry with the credited delta. When nothing can be credited it sets
	// entry.Delta to zero and appends nothing. Returns ErrAlreadyRefunded if
	// a refund for entry.RelatedTaskID exists.
	Refund(ctx context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error)

	// ListTransactions returns entries in insertion order. limit <= 0 means all.
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*TokenTransaction, error)
	// FindByTask returns the entry of the given kind related to taskID.
	FindByTask(ctx context.Context, taskID uuid.UUID, kind Kind) (*TokenTransaction, error)
}
