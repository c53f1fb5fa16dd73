package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// ServiceInterface defines the ledger operations used by other modules.
type ServiceInterface interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*TokenAccount, error)
	Balance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	Debit(ctx context.Context, userID uuid.UUID, amount int64, description string, taskID uuid.UUID) (int64, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string, taskID uuid.UUID) (*RefundResult, error)
	RefundTask(ctx context.Context, taskID uuid.UUID, amount int64, reason string) (*RefundResult, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*TokenTransaction, error)
	Audit(ctx context.Context, userID uuid.UUID) (*AuditReport, error)
}

// Config holds ledger settings.
type Config struct {
	StartingGrant int64
}

// Service implements the token ledger.
type Service struct {
	store   Store
	grant   int64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ ServiceInterface = (*Service)(nil)

// NewService creates a new ledger service.
func NewService(store Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		grant:   cfg.StartingGrant,
		metrics: m,
		logger:  logger.Named("ledger"),
	}
}

// GetOrCreate returns the user's account, creating it with the starting grant.
func (s *Service) GetOrCreate(ctx context.Context, userID uuid.UUID) (*TokenAccount, error) {
	account, err := s.store.GetOrCreateAccount(ctx, userID, s.grant)
	if err != nil {
		return nil, fmt.Errorf("get or create account: %w", err)
	}
	return account, nil
}

// Balance returns the user's balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		UserID:    account.UserID,
		Total:     account.Total,
		Used:      account.Used,
		Available: account.Available(),
	}, nil
}

// Debit reserves amount tokens for taskID and returns the available balance
// after the debit.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int64, description string, taskID uuid.UUID) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := s.GetOrCreate(ctx, userID); err != nil {
		return 0, err
	}

	entry := newTransaction(userID, -amount, KindConsume, description, taskID)
	account, err := s.store.Debit(ctx, userID, amount, entry)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.RecordLedgerOperation("debit", "insufficient")
			return 0, err
		}
		s.metrics.RecordLedgerOperation("debit", "error")
		return 0, fmt.Errorf("debit: %w", err)
	}
	if err := s.checkAccount(account); err != nil {
		return 0, err
	}

	s.metrics.RecordLedgerOperation("debit", "ok")
	s.logger.Debug("debited tokens",
		zap.String("user_id", userID.String()),
		zap.String("task_id", taskID.String()),
		zap.Int64("amount", amount),
		zap.Int64("available", account.Available()))

	return account.Available(), nil
}

// Refund credits amount tokens back for taskID. A second refund for the same
// task writes nothing and reports Duplicate.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string, taskID uuid.UUID) (*RefundResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if taskID == uuid.Nil {
		return nil, ErrMissingTaskID
	}

	entry := newTransaction(userID, amount, KindRefund, reason, taskID)
	account, err := s.store.Refund(ctx, userID, amount, entry)
	if err != nil {
		if errors.Is(err, ErrAlreadyRefunded) {
			s.metrics.RecordLedgerOperation("refund", "duplicate")
			current, gerr := s.store.GetAccount(ctx, userID)
			if gerr != nil {
				return nil, fmt.Errorf("get account: %w", gerr)
			}
			s.logger.Info("refund already applied",
				zap.String("user_id", userID.String()),
				zap.String("task_id", taskID.String()))
			return &RefundResult{AvailableAfter: current.Available(), Duplicate: true}, nil
		}
		s.metrics.RecordLedgerOperation("refund", "error")
		return nil, fmt.Errorf("refund: %w", err)
	}
	if err := s.checkAccount(account); err != nil {
		return nil, err
	}
	if entry.Delta == 0 {
		s.metrics.RecordLedgerOperation("refund", "empty")
		s.logger.Warn("refund credited nothing",
			zap.String("user_id", userID.String()),
			zap.String("task_id", taskID.String()),
			zap.Int64("requested", amount))
		return &RefundResult{AvailableAfter: account.Available()}, nil
	}

	s.metrics.RecordLedgerOperation("refund", "ok")
	s.logger.Info("refunded tokens",
		zap.String("user_id", userID.String()),
		zap.String("task_id", taskID.String()),
		zap.Int64("requested", amount),
		zap.Int64("credited", entry.Delta),
		zap.String("reason", reason))

	return &RefundResult{AvailableAfter: account.Available(), Credited: entry.Delta}, nil
}

// RefundTask refunds the debit recorded for taskID. A zero amount refunds the
// full debited amount and a larger one is capped to it.
func (s *Service) RefundTask(ctx context.Context, taskID uuid.UUID, amount int64, reason string) (*RefundResult, error) {
	if taskID == uuid.Nil {
		return nil, ErrMissingTaskID
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	debit, err := s.store.FindByTask(ctx, taskID, KindConsume)
	if err != nil {
		return nil, err
	}
	if amount == 0 || amount > -debit.Delta {
		amount = -debit.Delta
	}
	return s.Refund(ctx, debit.UserID, amount, reason, taskID)
}

// Transactions returns the user's ledger entries in insertion order.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*TokenTransaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}

// Audit replays the transaction log against the account. A mismatch is
// reported and logged, never corrected.
func (s *Service) Audit(ctx context.Context, userID uuid.UUID) (*AuditReport, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	var logged int64
	for _, e := range entries {
		logged -= e.Delta
	}

	report := &AuditReport{
		UserID:       userID,
		Total:        account.Total,
		Used:         account.Used,
		LoggedUsed:   logged,
		Transactions: len(entries),
		Consistent:   logged == account.Used && account.Used >= 0 && account.Used <= account.Total,
	}
	if !report.Consistent {
		s.logger.Error("ledger invariant violation",
			zap.String("user_id", userID.String()),
			zap.Int64("total", account.Total),
			zap.Int64("used", account.Used),
			zap.Int64("logged_used", logged))
	}
	return report, nil
}

func (s *Service) checkAccount(account *TokenAccount) error {
	if account.Used < 0 || account.Used > account.Total {
		s.logger.Error("ledger invariant violation",
			zap.String("user_id", account.UserID.String()),
			zap.Int64("total", account.Total),
			zap.Int64("used", account.Used))
		return fmt.Errorf("%w: used=%d total=%d", ErrInvariantViolation, account.Used, account.Total)
	}
	return nil
}
