package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process. A single mutex gives the same
// serialization the database row lock provides.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*TokenAccount
	entries  []*TokenTransaction
	seq      int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[uuid.UUID]*TokenAccount)}
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, userID uuid.UUID, grant int64) (*TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		now := time.Now()
		account = &TokenAccount{ID: uuid.New(), UserID: userID, Total: grant, CreatedAt: now, UpdatedAt: now}
		s.accounts[userID] = account
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID uuid.UUID) (*TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Available() < amount {
		return nil, ErrInsufficientBalance
	}

	account.Used += amount
	account.UpdatedAt = time.Now()
	s.append(entry)

	copied := *account
	return &copied, nil
}

func (s *MemoryStore) Refund(_ context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if entry.RelatedTaskID != nil {
		for _, e := range s.entries {
			if e.Kind == KindRefund && e.RelatedTaskID != nil && *e.RelatedTaskID == *entry.RelatedTaskID {
				return nil, ErrAlreadyRefunded
			}
		}
	}

	credited := min(amount, account.Used)
	entry.Delta = credited
	if credited == 0 {
		copied := *account
		return &copied, nil
	}
	account.Used -= credited
	account.UpdatedAt = time.Now()
	s.append(entry)

	copied := *account
	return &copied, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TokenTransaction
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByTask(_ context.Context, taskID uuid.UUID, kind Kind) (*TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Kind == kind && e.RelatedTaskID != nil && *e.RelatedTaskID == taskID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *MemoryStore) append(entry *TokenTransaction) {
	s.seq++
	entry.Seq = s.seq
	copied := *entry
	s.entries = append(s.entries, &copied)
}
