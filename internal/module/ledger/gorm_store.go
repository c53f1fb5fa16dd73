package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a new gorm-backed ledger store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// GetOrCreateAccount returns or lazily creates the account.
func (s *GormStore) GetOrCreateAccount(ctx context.Context, userID uuid.UUID, grant int64) (*TokenAccount, error) {
	account := &TokenAccount{
		ID:     uuid.New(),
		UserID: userID,
		Total:  grant,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(account).Error
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

// GetAccount returns the account for userID.
func (s *GormStore) GetAccount(ctx context.Context, userID uuid.UUID) (*TokenAccount, error) {
	var account TokenAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &account, nil
}

// Debit applies a conditional single-row update so concurrent debits for one
// user serialize on the row and never overdraw.
func (s *GormStore) Debit(ctx context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error) {
	var account TokenAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&TokenAccount{}).
			Where("user_id = ? AND total - used >= ?", userID, amount).
			Updates(map[string]any{
				"used":       gorm.Expr("used + ?", amount),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("debit account: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&TokenAccount{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
				return fmt.Errorf("check account: %w", err)
			}
			if count == 0 {
				return ErrAccountNotFound
			}
			return ErrInsufficientBalance
		}

		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append consume entry: %w", err)
		}
		return tx.Where("user_id = ?", userID).First(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Refund locks the account row, checks for an existing refund of the same
// task and credits back at most Used. Nothing is written when that is zero.
func (s *GormStore) Refund(ctx context.Context, userID uuid.UUID, amount int64, entry *TokenTransaction) (*TokenAccount, error) {
	var account TokenAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		if entry.RelatedTaskID != nil {
			var count int64
			if err := tx.Model(&TokenTransaction{}).
				Where("related_task_id = ? AND kind = ?", *entry.RelatedTaskID, KindRefund).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check refund: %w", err)
			}
			if count > 0 {
				return ErrAlreadyRefunded
			}
		}

		credited := min(amount, account.Used)
		entry.Delta = credited
		if credited == 0 {
			return nil
		}
		if err := tx.Model(&account).Updates(map[string]any{
			"used":       gorm.Expr("used - ?", credited),
			"updated_at": time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("refund account: %w", err)
		}

		if err := tx.Create(entry).Error; err != nil {
			// The partial unique index on refunds catches a concurrent
			// refund that slipped past the count above.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRefunded
			}
			return fmt.Errorf("append refund entry: %w", err)
		}
		return tx.Where("user_id = ?", userID).First(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListTransactions returns a user's entries in insertion order.
func (s *GormStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*TokenTransaction, error) {
	var entries []*TokenTransaction
	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return entries, nil
}

// FindByTask returns the entry of kind related to taskID.
func (s *GormStore) FindByTask(ctx context.Context, taskID uuid.UUID, kind Kind) (*TokenTransaction, error) {
	var entry TokenTransaction
	err := s.db.WithContext(ctx).
		Where("related_task_id = ? AND kind = ?", taskID, kind).
		Order("seq ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &entry, nil
}
