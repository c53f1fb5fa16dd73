package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

func TestReconciler_AbandonedBeforeSubmission(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	task := h.seed(t, uuid.New(), StateCreated, "")
	h.repo.Backdate(task.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Refunded)
	got := h.task(t, task.ID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, FailureAbandoned, got.FailureKind)
	assert.Equal(t, SettlementRefunded, got.Settlement)
	h.assertConsistent(t, task.UserID)
}

func TestReconciler_StaleTaskFinishedOnProvider(t *testing.T) {
	client := newStubClient("image")
	client.statusFn = succeededWith("https://cdn.example.com/late.png")
	h := newHarness(t, 5, client)
	task := h.seed(t, uuid.New(), StatePolling, "ext-1")
	h.repo.Backdate(task.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Committed)
	got := h.task(t, task.ID)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "https://cdn.example.com/late.png", got.ResultRef)
	assert.Equal(t, SettlementCommitted, got.Settlement)
}

func TestReconciler_StaleTaskFailedOnProvider(t *testing.T) {
	client := newStubClient("image")
	client.statusFn = func(int, string) (*outbound.TaskStatus, error) {
		return &outbound.TaskStatus{State: outbound.ProviderStateFailed, Error: "gpu oom"}, nil
	}
	h := newHarness(t, 5, client)
	task := h.seed(t, uuid.New(), StateSubmitted, "ext-1")
	h.repo.Backdate(task.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, SettlementRefunded, h.task(t, task.ID).Settlement)
}

func TestReconciler_StaleTaskStillRunning(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	task := h.seed(t, uuid.New(), StatePolling, "ext-1")
	h.repo.Backdate(task.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.TimedOut)
	got := h.task(t, task.ID)
	assert.Equal(t, StateTimedOut, got.State)
	assert.Equal(t, SettlementPending, got.Settlement)
}

func TestReconciler_SkipsFreshAndRunningTasks(t *testing.T) {
	cfg := fastPoll()
	cfg.MaxAttempts = 0
	cfg.WallClockTimeout = time.Minute
	client := newStubClient("image")
	h := newHarness(t, 5, client, withPoll(cfg))
	fresh := h.seed(t, uuid.New(), StatePolling, "ext-1")
	running := h.seed(t, uuid.New(), StateSubmitted, "ext-2")

	go func() { _ = runJob(h, running) }()
	require.Eventually(t, func() bool { return h.runner.IsRunning(running.ID) }, time.Second, time.Millisecond)
	h.repo.Backdate(running.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Checked)
	assert.Equal(t, StatePolling, h.task(t, fresh.ID).State)
	h.runner.Cancel(running.ID)
}

func TestReconciler_TimedOutTaskFinishedLate(t *testing.T) {
	client := newStubClient("crawl")
	client.statusFn = succeededWith("# late page")
	h := newHarness(t, 5, client)
	task := h.seed(t, uuid.New(), StateTimedOut, "ext-1")
	h.repo.Backdate(task.ID, 5*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Committed)
	got := h.task(t, task.ID)
	assert.Equal(t, StateTimedOut, got.State)
	assert.Equal(t, SettlementCommitted, got.Settlement)
	assert.Equal(t, "https://files.test/results/"+task.ID.String()+".md", got.ResultRef)
	_, refund := h.transactions(t, task.UserID)
	assert.Zero(t, refund)
}

func TestReconciler_TimedOutTaskFailedLate(t *testing.T) {
	client := newStubClient("image")
	client.statusFn = func(int, string) (*outbound.TaskStatus, error) {
		return &outbound.TaskStatus{State: outbound.ProviderStateFailed, Error: "expired"}, nil
	}
	h := newHarness(t, 5, client)
	task := h.seed(t, uuid.New(), StateTimedOut, "ext-1")
	h.repo.Backdate(task.ID, 5*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, SettlementRefunded, h.task(t, task.ID).Settlement)
	assert.Equal(t, int64(0), h.balance(t, task.UserID).Used)
}

func TestReconciler_OrphanRefund(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	young := h.seed(t, uuid.New(), StateTimedOut, "ext-1")
	old := h.seed(t, uuid.New(), StateTimedOut, "ext-2")
	h.repo.Backdate(young.ID, 5*time.Minute)
	h.repo.Backdate(old.ID, 2*time.Hour)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, SettlementPending, h.task(t, young.ID).Settlement)
	assert.Equal(t, SettlementRefunded, h.task(t, old.ID).Settlement)

	// A second sweep finds nothing left to settle for the old task.
	res, err = h.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Refunded)
	_, refund := h.transactions(t, old.UserID)
	assert.Equal(t, 1, refund)
}

func TestReconciler_RetriesPendingRefund(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	task := h.seed(t, uuid.New(), StateFailed, "ext-1")
	h.repo.Backdate(task.ID, 5*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, SettlementRefunded, h.task(t, task.ID).Settlement)
	h.assertConsistent(t, task.UserID)
}

func TestReconciler_CommitsSucceededTask(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	task := h.seed(t, uuid.New(), StateSucceeded, "ext-1")
	h.repo.Backdate(task.ID, 5*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, SettlementCommitted, h.task(t, task.ID).Settlement)
}

func TestReconciler_StatusErrorIsCounted(t *testing.T) {
	client := newStubClient("image")
	client.statusFn = func(int, string) (*outbound.TaskStatus, error) {
		return nil, fmt.Errorf("%w: dial tcp", outbound.ErrProviderUnavailable)
	}
	h := newHarness(t, 5, client)
	task := h.seed(t, uuid.New(), StatePolling, "ext-1")
	h.repo.Backdate(task.ID, 20*time.Minute)

	res, err := h.rec.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, StatePolling, h.task(t, task.ID).State)
}

func TestReconciler_StartStopsOnCancel(t *testing.T) {
	h := newHarness(t, 5, newStubClient("image"))
	h.rec.config.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.rec.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
