package task

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uniedit/taskorch/internal/adapter/outbound/memstore"
	"github.com/uniedit/taskorch/internal/infra/poll"
	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/ledger"
	"github.com/uniedit/taskorch/internal/port/outbound"
)

// stubClient is a scripted provider. Unset functions report pending.
type stubClient struct {
	kind     string
	submitFn func(call int, p *outbound.TaskPayload) (*outbound.SubmitResult, error)
	statusFn func(call int, externalID string) (*outbound.TaskStatus, error)

	mu          sync.Mutex
	submitCalls int
	statusCalls int
	payloads    []*outbound.TaskPayload
}

func newStubClient(kind string) *stubClient {
	return &stubClient{kind: kind}
}

func (c *stubClient) Kind() string { return c.kind }

func (c *stubClient) Submit(_ context.Context, p *outbound.TaskPayload) (*outbound.SubmitResult, error) {
	c.mu.Lock()
	c.submitCalls++
	call := c.submitCalls
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	if c.submitFn != nil {
		return c.submitFn(call, p)
	}
	return &outbound.SubmitResult{ExternalID: "ext-" + c.kind, State: outbound.ProviderStatePending}, nil
}

func (c *stubClient) GetStatus(ctx context.Context, externalID string) (*outbound.TaskStatus, error) {
	c.mu.Lock()
	c.statusCalls++
	call := c.statusCalls
	c.mu.Unlock()
	if c.statusFn != nil {
		return c.statusFn(call, externalID)
	}
	return &outbound.TaskStatus{State: outbound.ProviderStatePending}, nil
}

func (c *stubClient) calls() (submit, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitCalls, c.statusCalls
}

type stubRegistry map[string]outbound.TaskClientPort

func (r stubRegistry) Get(kind string) (outbound.TaskClientPort, bool) {
	c, ok := r[kind]
	return c, ok
}

func (r stubRegistry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	return kinds
}

type stubPricing map[string]int64

func (p stubPricing) CostFor(kind string) (int64, bool) {
	c, ok := p[kind]
	return c, ok
}

type failingStorage struct{}

func (failingStorage) Put(context.Context, string, io.Reader, int64, string) (string, error) {
	return "", errors.New("bucket unreachable")
}
func (failingStorage) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, outbound.ErrObjectNotFound
}
func (failingStorage) Delete(context.Context, string) error { return nil }
func (failingStorage) URL(key string) string                { return key }

func succeededWith(result string) func(int, string) (*outbound.TaskStatus, error) {
	return func(int, string) (*outbound.TaskStatus, error) {
		return &outbound.TaskStatus{State: outbound.ProviderStateSucceeded, Result: result}, nil
	}
}

// harness wires the task module against in-memory adapters and a local queue.
type harness struct {
	repo     *MemoryRepository
	ledger   *ledger.Service
	store    *ledger.MemoryStore
	storage  *memstore.Storage
	client   *stubClient
	runner   *Runner
	queue    *queue.LocalQueue
	orch     *Orchestrator
	rec      *Reconciler
	pollCfg  poll.Config
	response time.Duration
}

type harnessOption func(*harness)

func withPoll(cfg poll.Config) harnessOption {
	return func(h *harness) { h.pollCfg = cfg }
}

func withResponseTimeout(d time.Duration) harnessOption {
	return func(h *harness) { h.response = d }
}

func fastPoll() poll.Config {
	return poll.Config{
		BaseDelay:        5 * time.Millisecond,
		Multiplier:       1,
		StepSize:         1,
		MaxDelay:         5 * time.Millisecond,
		MaxAttempts:      5,
		WallClockTimeout: 2 * time.Second,
		CallTimeout:      time.Second,
	}
}

func newHarness(t *testing.T, grant int64, client *stubClient, opts ...harnessOption) *harness {
	t.Helper()

	store := ledger.NewMemoryStore()
	h := &harness{
		repo:     NewMemoryRepository(),
		ledger:   ledger.NewService(store, ledger.Config{StartingGrant: grant}, nil, nil),
		store:    store,
		storage:  memstore.New("https://files.test"),
		client:   client,
		pollCfg:  fastPoll(),
		response: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	clients := stubRegistry{client.Kind(): client}
	h.runner = NewRunner(h.repo, h.ledger, clients, h.storage, poll.NewPoller(h.pollCfg, nil, nil), nil, nil)
	h.queue = queue.NewLocalQueue(queue.LocalConfig{
		Concurrency: 4,
		Retries:     2,
		Factor:      1,
		MinTimeout:  5 * time.Millisecond,
		MaxTimeout:  10 * time.Millisecond,
	}, h.runner.Run, h.runner.OnFailure, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.queue.Stop(ctx)
	})

	h.orch = NewOrchestrator(h.repo, h.ledger, clients, h.storage, h.queue, h.runner,
		stubPricing{client.Kind(): 1}, OrchestratorConfig{ResponseTimeout: h.response}, nil, nil)
	h.rec = NewReconciler(h.repo, clients, h.runner, ReconcilerConfig{
		Interval:          time.Minute,
		StaleAfter:        10 * time.Minute,
		OrphanRefundAfter: time.Hour,
	}, nil, nil)
	return h
}

// seed debits cost and records a task in state.
func (h *harness) seed(t *testing.T, userID uuid.UUID, state State, externalID string) *ExternalTask {
	t.Helper()
	ctx := context.Background()
	task := &ExternalTask{
		ID:         uuid.New(),
		UserID:     userID,
		Kind:       h.client.Kind(),
		ExternalID: externalID,
		State:      state,
		PayloadRef: "https://example.com/in.png",
		Cost:       1,
		Settlement: SettlementPending,
	}
	if state.IsTerminal() {
		now := time.Now()
		task.CompletedAt = &now
	}
	_, err := h.ledger.Debit(ctx, userID, task.Cost, "seed", task.ID)
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(ctx, task))
	return task
}

func (h *harness) task(t *testing.T, id uuid.UUID) *ExternalTask {
	t.Helper()
	task, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) transactions(t *testing.T, userID uuid.UUID) (consume, refund int) {
	t.Helper()
	entries, err := h.ledger.Transactions(context.Background(), userID, 0)
	require.NoError(t, err)
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindConsume:
			consume++
		case ledger.KindRefund:
			refund++
		}
	}
	return consume, refund
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) *ledger.Balance {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) assertConsistent(t *testing.T, userID uuid.UUID) {
	t.Helper()
	report, err := h.ledger.Audit(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, report.Consistent, "ledger drifted: %+v", report)
}
