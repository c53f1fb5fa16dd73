package task

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/ledger"
	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
	"github.com/uniedit/taskorch/internal/utils/requestctx"
)

// Pricing returns the token cost of a task kind.
type Pricing interface {
	CostFor(kind string) (int64, bool)
}

// SubmitInput is a user's request to run a task.
type SubmitInput struct {
	Kind   string
	Prompt string
	// URL is used as the payload when Input is empty.
	URL         string
	Input       []byte
	ContentType string
	Limit       int
}

// Orchestrator runs the request side of a task: store input, debit, record,
// enqueue and wait for an outcome.
type Orchestrator struct {
	repo            Repository
	ledger          ledger.ServiceInterface
	clients         outbound.TaskClientRegistry
	storage         outbound.ObjectStoragePort
	queue           queue.Queue
	runner          *Runner
	pricing         Pricing
	responseTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	// ResponseTimeout bounds how long Submit waits for a terminal state.
	ResponseTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	repo Repository,
	ledgerSvc ledger.ServiceInterface,
	clients outbound.TaskClientRegistry,
	storage outbound.ObjectStoragePort,
	q queue.Queue,
	runner *Runner,
	pricing Pricing,
	cfg OrchestratorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 55 * time.Second
	}
	return &Orchestrator{
		repo:            repo,
		ledger:          ledgerSvc,
		clients:         clients,
		storage:         storage,
		queue:           q,
		runner:          runner,
		pricing:         pricing,
		responseTimeout: cfg.ResponseTimeout,
		metrics:         m,
		logger:          logger.Named("orchestrator"),
	}
}

// Backend returns the active queue backend.
func (o *Orchestrator) Backend() queue.Backend {
	return o.queue.Backend()
}

// Submit runs a task for userID and waits up to the response timeout. The
// returned task is terminal when the outcome is known; otherwise the task
// is still processing.
func (o *Orchestrator) Submit(ctx context.Context, userID uuid.UUID, in *SubmitInput) (*ExternalTask, error) {
	if _, ok := o.clients.Get(in.Kind); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, in.Kind)
	}
	cost, ok := o.pricing.CostFor(in.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, in.Kind)
	}

	taskID := uuid.New()
	log := o.logger.With(zap.String("task_id", taskID.String()), zap.String("user_id", userID.String()), requestctx.Field(ctx))

	payloadRef, err := o.storeInput(ctx, taskID, in)
	if err != nil {
		return nil, err
	}

	if cost > 0 {
		if _, err := o.ledger.Debit(ctx, userID, cost, in.Kind+" task", taskID); err != nil {
			return nil, err
		}
	}

	t := &ExternalTask{
		ID:         taskID,
		UserID:     userID,
		Kind:       in.Kind,
		State:      StateCreated,
		PayloadRef: payloadRef,
		Prompt:     in.Prompt,
		Limit:      in.Limit,
		Cost:       cost,
		Settlement: SettlementPending,
	}
	// Everything from here on must settle the debit, even if the caller
	// goes away.
	bg := context.WithoutCancel(ctx)

	if err := o.repo.Create(bg, t); err != nil {
		log.Error("create task record failed", zap.Error(err))
		_ = o.runner.refund(bg, t, "task record could not be created")
		return nil, err
	}

	job := queue.NewJob(taskID, userID, in.Kind)
	job.RequestID = requestctx.RequestID(ctx)
	handle, err := o.queue.Enqueue(bg, job)
	if err != nil {
		log.Error("enqueue failed", zap.Error(err))
		_ = o.runner.fail(bg, t, FailureInternal, "enqueue failed: "+err.Error())
		return nil, err
	}
	defer handle.Release()

	log.Info("task submitted", zap.String("kind", in.Kind), zap.String("backend", string(o.queue.Backend())))

	waitCtx, cancel := context.WithTimeout(ctx, o.responseTimeout)
	defer cancel()
	if err := handle.Wait(waitCtx); err != nil {
		log.Debug("job not finished within response window", zap.Error(err))
	}

	return o.repo.Get(bg, taskID)
}

func (o *Orchestrator) storeInput(ctx context.Context, taskID uuid.UUID, in *SubmitInput) (string, error) {
	if len(in.Input) == 0 {
		if in.URL == "" {
			return "", ErrMissingInput
		}
		return in.URL, nil
	}
	key := "inputs/" + taskID.String()
	ref, err := o.storage.Put(ctx, key, bytes.NewReader(in.Input), int64(len(in.Input)), in.ContentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return ref, nil
}

// Get returns a task owned by userID. Admins may read any task.
func (o *Orchestrator) Get(ctx context.Context, userID uuid.UUID, taskID uuid.UUID, admin bool) (*ExternalTask, error) {
	t, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID && !admin {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns the user's tasks, newest first.
func (o *Orchestrator) List(ctx context.Context, userID uuid.UUID, limit int) ([]*ExternalTask, error) {
	return o.repo.ListByUser(ctx, userID, limit)
}

// Cancel stops polling a task the user owns. The task keeps its debit and
// is settled by the reconciler.
func (o *Orchestrator) Cancel(ctx context.Context, userID uuid.UUID, taskID uuid.UUID) (*ExternalTask, error) {
	t, err := o.Get(ctx, userID, taskID, false)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, ErrTerminalState
	}
	if !o.runner.Cancel(taskID) {
		return nil, ErrNotCancellable
	}
	o.logger.Info("task polling cancelled", zap.String("task_id", taskID.String()))
	return t, nil
}
