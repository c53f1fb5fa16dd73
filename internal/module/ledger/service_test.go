package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(grant int64) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, Config{StartingGrant: grant}, nil, nil), store
}

func assertConserved(t *testing.T, svc *Service, userID uuid.UUID) {
	t.Helper()
	report, err := svc.Audit(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "used=%d logged=%d", report.Used, report.LoggedUsed)
}

func TestService_GetOrCreate(t *testing.T) {
	svc, _ := newTestService(10)
	ctx := context.Background()
	userID := uuid.New()

	a1, err := svc.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	a2, err := svc.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, int64(10), a2.Total)
	assert.Equal(t, int64(0), a2.Used)
}

func TestService_Debit(t *testing.T) {
	ctx := context.Background()

	t.Run("Debits and appends consume entry", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()

		available, err := svc.Debit(ctx, userID, 3, "image generation", taskID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), available)

		entries, err := svc.Transactions(ctx, userID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, KindConsume, entries[0].Kind)
		assert.Equal(t, int64(-3), entries[0].Delta)
		require.NotNil(t, entries[0].RelatedTaskID)
		assert.Equal(t, taskID, *entries[0].RelatedTaskID)
		assertConserved(t, svc, userID)
	})

	t.Run("Insufficient balance writes nothing", func(t *testing.T) {
		svc, _ := newTestService(2)
		userID := uuid.New()

		_, err := svc.Debit(ctx, userID, 3, "crawl", uuid.New())
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		entries, err := svc.Transactions(ctx, userID, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)

		balance, err := svc.Balance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), balance.Available)
	})

	t.Run("Rejects non-positive amount", func(t *testing.T) {
		svc, _ := newTestService(2)
		_, err := svc.Debit(ctx, uuid.New(), 0, "x", uuid.New())
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestService_ConcurrentDebits(t *testing.T) {
	const n = 20
	const amount = int64(4)
	svc, _ := newTestService((n-1)*amount + amount/2)
	ctx := context.Background()
	userID := uuid.New()
	_, err := svc.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, userID, amount, "concurrent", uuid.New())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientBalance):
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n-1), ok.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, amount/2, balance.Available)
	assertConserved(t, svc, userID)
}

func TestService_Refund(t *testing.T) {
	ctx := context.Background()

	t.Run("Refund is idempotent per task", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()
		_, err := svc.Debit(ctx, userID, 4, "image", taskID)
		require.NoError(t, err)

		first, err := svc.Refund(ctx, userID, 4, "provider failed", taskID)
		require.NoError(t, err)
		assert.False(t, first.Duplicate)
		assert.Equal(t, int64(4), first.Credited)
		assert.Equal(t, int64(10), first.AvailableAfter)

		second, err := svc.Refund(ctx, userID, 4, "provider failed", taskID)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, int64(10), second.AvailableAfter)

		entries, err := svc.Transactions(ctx, userID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assertConserved(t, svc, userID)
	})

	t.Run("Refund floors at zero used", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()
		_, err := svc.Debit(ctx, userID, 2, "image", taskID)
		require.NoError(t, err)

		result, err := svc.Refund(ctx, userID, 5, "over refund", taskID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Credited)
		assert.Equal(t, int64(10), result.AvailableAfter)
		assertConserved(t, svc, userID)
	})

	t.Run("Requires task id", func(t *testing.T) {
		svc, _ := newTestService(10)
		_, err := svc.Refund(ctx, uuid.New(), 1, "x", uuid.Nil)
		assert.ErrorIs(t, err, ErrMissingTaskID)
	})

	t.Run("RefundTask uses debited amount", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()
		_, err := svc.Debit(ctx, userID, 3, "crawl", taskID)
		require.NoError(t, err)

		result, err := svc.RefundTask(ctx, taskID, 0, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Credited)

		_, err = svc.RefundTask(ctx, uuid.New(), 0, "admin")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("RefundTask caps at the debit", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()
		_, err := svc.Debit(ctx, userID, 3, "crawl", taskID)
		require.NoError(t, err)
		_, err = svc.Debit(ctx, userID, 5, "image", uuid.New())
		require.NoError(t, err)

		result, err := svc.RefundTask(ctx, taskID, 100, "admin")
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Credited)
		assert.Equal(t, int64(5), result.AvailableAfter)
		assertConserved(t, svc, userID)
	})

	t.Run("Zero credit writes no entry", func(t *testing.T) {
		svc, _ := newTestService(10)
		userID, taskID := uuid.New(), uuid.New()
		_, err := svc.Debit(ctx, userID, 2, "image", taskID)
		require.NoError(t, err)
		_, err = svc.Refund(ctx, userID, 2, "manual", uuid.New())
		require.NoError(t, err)

		result, err := svc.Refund(ctx, userID, 2, "provider failed", taskID)
		require.NoError(t, err)
		assert.Zero(t, result.Credited)
		assert.False(t, result.Duplicate)
		assert.Equal(t, int64(10), result.AvailableAfter)

		entries, err := svc.Transactions(ctx, userID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assertConserved(t, svc, userID)
	})
}

func TestService_Conservation(t *testing.T) {
	svc, _ := newTestService(50)
	ctx := context.Background()
	userID := uuid.New()

	var tasks []uuid.UUID
	for i := 0; i < 6; i++ {
		taskID := uuid.New()
		tasks = append(tasks, taskID)
		_, err := svc.Debit(ctx, userID, int64(i+1), "work", taskID)
		require.NoError(t, err)
	}
	for i, taskID := range tasks {
		if i%2 == 0 {
			_, err := svc.Refund(ctx, userID, int64(i+1), "failed", taskID)
			require.NoError(t, err)
		}
	}
	assertConserved(t, svc, userID)

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	// debited 1..6 = 21, refunded 1+3+5 = 9
	assert.Equal(t, int64(12), balance.Used)
}

func TestService_AuditDetectsDrift(t *testing.T) {
	svc, store := newTestService(10)
	ctx := context.Background()
	userID := uuid.New()
	_, err := svc.Debit(ctx, userID, 2, "x", uuid.New())
	require.NoError(t, err)

	store.mu.Lock()
	store.accounts[userID].Used = 5
	store.mu.Unlock()

	report, err := svc.Audit(ctx, userID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(2), report.LoggedUsed)
}
