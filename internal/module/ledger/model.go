package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the type of a ledger transaction.
type Kind string

const (
	KindConsume Kind = "consume"
	KindRefund  Kind = "refund"
)

// TokenAccount is a user's token balance. Only Debit and Refund mutate Used.
type TokenAccount struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex;not null"`
	Total     int64     `json:"total" gorm:"not null"`
	Used      int64     `json:"used" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name.
func (TokenAccount) TableName() string {
	return "token_accounts"
}

// Available returns the spendable balance.
func (a *TokenAccount) Available() int64 {
	return a.Total - a.Used
}

// TokenTransaction is an immutable ledger entry. Debits carry a negative
// delta and refunds a positive one, so Used == -sum(Delta) per user.
type TokenTransaction struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Seq           int64      `json:"-" gorm:"column:seq;->"`
	UserID        uuid.UUID  `json:"user_id" gorm:"type:uuid;index;not null"`
	Delta         int64      `json:"delta" gorm:"not null"`
	Kind          Kind       `json:"kind" gorm:"not null"`
	Description   string     `json:"description"`
	RelatedTaskID *uuid.UUID `json:"related_task_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName returns the table name.
func (TokenTransaction) TableName() string {
	return "token_transactions"
}

// Balance is the public view of an account.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	Available int64     `json:"available"`
}

// RefundResult describes the outcome of a refund call.
type RefundResult struct {
	AvailableAfter int64 `json:"available_after"`
	Credited       int64 `json:"credited"`
	// Duplicate is set when a refund for the task already existed and this
	// call wrote nothing.
	Duplicate bool `json:"duplicate"`
}

// AuditReport is the result of checking an account against its log.
type AuditReport struct {
	UserID       uuid.UUID `json:"user_id"`
	Total        int64     `json:"total"`
	Used         int64     `json:"used"`
	LoggedUsed   int64     `json:"logged_used"`
	Transactions int       `json:"transactions"`
	Consistent   bool      `json:"consistent"`
}

func newTransaction(userID uuid.UUID, delta int64, kind Kind, description string, taskID uuid.UUID) *TokenTransaction {
	tx := &TokenTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Delta:       delta,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if taskID != uuid.Nil {
		id := taskID
		tx.RelatedTaskID = &id
	}
	return tx
}
