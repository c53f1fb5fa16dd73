package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/infra/poll"
	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/ledger"
	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
	"github.com/uniedit/taskorch/internal/utils/requestctx"
)

// Runner executes the queued part of a task: submit, poll and settle. Both
// queue backends run the same Runner.
type Runner struct {
	repo    Repository
	ledger  ledger.ServiceInterface
	clients outbound.TaskClientRegistry
	storage outbound.ObjectStoragePort
	poller  *poll.Poller
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewRunner creates a task runner.
func NewRunner(
	repo Repository,
	ledgerSvc ledger.ServiceInterface,
	clients outbound.TaskClientRegistry,
	storage outbound.ObjectStoragePort,
	poller *poll.Poller,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		repo:    repo,
		ledger:  ledgerSvc,
		clients: clients,
		storage: storage,
		poller:  poller,
		metrics: m,
		logger:  logger.Named("task-runner"),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run is the queue job body. Errors wrapped with queue.Permanent are not
// retried; any other error is retried by the queue.
func (r *Runner) Run(ctx context.Context, job *queue.Job) error {
	ctx = requestctx.WithRequestID(ctx, job.RequestID)
	t, err := r.repo.Get(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	if t.IsTerminal() {
		return nil
	}

	client, ok := r.clients.Get(t.Kind)
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind))
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(t.ID, cancel)
	defer r.untrack(t.ID)

	if t.ExternalID == "" {
		res, err := client.Submit(ctx, &outbound.TaskPayload{
			InputURL: t.PayloadRef,
			Prompt:   t.Prompt,
			Limit:    t.Limit,
		})
		cancelled := cancelledLocally(parent, ctx)
		if err != nil {
			if cancelled {
				// Not retried: the task stays debited for the reconciler.
				r.logger.Info("task cancelled during submission", zap.String("task_id", t.ID.String()), requestctx.Field(ctx))
				return nil
			}
			if errors.Is(err, outbound.ErrProviderRejected) {
				return queue.Permanent(err)
			}
			return err
		}

		if t.State == StateCreated {
			t, err = r.repo.Transition(context.WithoutCancel(ctx), t.ID, StateSubmitted, Update{ExternalID: res.ExternalID})
			if err != nil {
				return ignoreTerminal(err)
			}
		}
		if cancelled {
			r.logger.Info("task cancelled after submission, polling skipped",
				zap.String("task_id", t.ID.String()), zap.String("external_id", t.ExternalID), requestctx.Field(ctx))
			return nil
		}

		switch res.State {
		case outbound.ProviderStateSucceeded:
			return r.succeed(ctx, t, res.Result)
		case outbound.ProviderStateFailed:
			return r.fail(ctx, t, FailureProviderFailed, res.Error)
		}
	}

	if t.State != StatePolling {
		t, err = r.repo.Transition(ctx, t.ID, StatePolling, Update{})
		if err != nil {
			return ignoreTerminal(err)
		}
	}
	return r.poll(ctx, client, t)
}

func (r *Runner) poll(ctx context.Context, client outbound.TaskClientPort, t *ExternalTask) error {
	log := r.logger.With(zap.String("task_id", t.ID.String()), zap.String("external_id", t.ExternalID), requestctx.Field(ctx))

	var last *outbound.TaskStatus
	attempts := t.Attempts
	res, err := r.poller.Run(ctx, func(ctx context.Context) (poll.State, error) {
		attempts++
		if err := r.repo.RecordAttempts(ctx, t.ID, attempts); err != nil {
			log.Debug("record attempts failed", zap.Error(err))
		}

		st, err := client.GetStatus(ctx, t.ExternalID)
		if err != nil {
			if errors.Is(err, outbound.ErrProviderRejected) {
				last = &outbound.TaskStatus{State: outbound.ProviderStateFailed, Error: err.Error()}
				return poll.StateFailed, nil
			}
			return poll.StatePending, err
		}
		last = st
		switch st.State {
		case outbound.ProviderStateSucceeded:
			return poll.StateSucceeded, nil
		case outbound.ProviderStateFailed:
			return poll.StateFailed, nil
		default:
			return poll.StatePending, nil
		}
	})
	if err != nil {
		// Cancelled or shutting down. The task stays live and debited until
		// the reconciler resolves it.
		log.Info("polling stopped before a terminal state", zap.Error(err))
		return nil
	}

	switch res.State {
	case poll.StateSucceeded:
		return r.succeed(ctx, t, last.Result)
	case poll.StateFailed:
		return r.fail(ctx, t, FailureProviderFailed, last.Error)
	default:
		msg := fmt.Sprintf("no terminal state after %d attempts in %s", res.Attempts, res.Elapsed.Round(time.Millisecond))
		if _, err := r.repo.Transition(ctx, t.ID, StateTimedOut, Update{ErrorMessage: msg}); err != nil {
			return ignoreTerminal(err)
		}
		r.metrics.RecordTask(t.Kind, string(StateTimedOut))
		log.Warn("task timed out, settlement deferred", zap.Int("attempts", res.Attempts))
		return nil
	}
}

// OnFailure is the queue failure handler. It marks the task failed and
// refunds the debit.
func (r *Runner) OnFailure(ctx context.Context, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	t, err := r.repo.Get(ctx, job.TaskID)
	if err != nil {
		r.logger.Error("load failed task", zap.String("task_id", job.TaskID.String()), zap.Error(err))
		return
	}
	r.logger.Warn("task failed",
		zap.String("task_id", t.ID.String()),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(cause))
	_ = r.fail(ctx, t, classify(cause), cause.Error())
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, outbound.ErrProviderRejected):
		return FailureRejected
	case errors.Is(err, outbound.ErrProviderUnavailable):
		return FailureUnavailable
	default:
		return FailureInternal
	}
}

// succeed records the result and commits the debit.
func (r *Runner) succeed(ctx context.Context, t *ExternalTask, result string) error {
	ref, err := r.storeResult(ctx, t, result)
	if err != nil {
		return err
	}
	if _, err := r.repo.Transition(ctx, t.ID, StateSucceeded, Update{ResultRef: ref}); err != nil {
		return ignoreTerminal(err)
	}
	r.metrics.RecordTask(t.Kind, string(StateSucceeded))

	if err := r.repo.Settle(ctx, t.ID, SettlementPending, SettlementCommitted, ""); err != nil {
		r.logger.Warn("commit settlement failed", zap.String("task_id", t.ID.String()), zap.Error(err))
	}
	r.logger.Info("task succeeded", zap.String("task_id", t.ID.String()), zap.String("result_ref", ref))
	return nil
}

// fail moves the task to failed and refunds it. A task some other writer
// already failed is still refunded if its settlement is pending.
func (r *Runner) fail(ctx context.Context, t *ExternalTask, kind FailureKind, msg string) error {
	if msg == "" {
		msg = "task failed"
	}
	updated, err := r.repo.Transition(ctx, t.ID, StateFailed, Update{ErrorMessage: msg, FailureKind: kind})
	switch {
	case err == nil:
		t = updated
		r.metrics.RecordTask(t.Kind, string(StateFailed))
	case errors.Is(err, ErrTerminalState):
		if t, err = r.repo.Get(ctx, t.ID); err != nil {
			return err
		}
		if t.State != StateFailed || t.Settlement != SettlementPending {
			return nil
		}
	default:
		return err
	}

	// On refund failure the settlement stays pending and the reconciler
	// retries it.
	_ = r.refund(ctx, t, fmt.Sprintf("%s task %s: %s", t.Kind, kind, msg))
	return nil
}

// refund returns the task's cost to the user and marks the settlement.
func (r *Runner) refund(ctx context.Context, t *ExternalTask, reason string) error {
	if t.Cost > 0 {
		if len(reason) > 512 {
			reason = reason[:512]
		}
		res, err := r.ledger.Refund(ctx, t.UserID, t.Cost, reason, t.ID)
		if err != nil {
			r.logger.Error("compensating refund failed",
				zap.String("task_id", t.ID.String()),
				zap.String("user_id", t.UserID.String()),
				zap.Int64("amount", t.Cost),
				zap.Error(err))
			return err
		}
		r.logger.Info("task refunded",
			zap.String("task_id", t.ID.String()),
			zap.Int64("credited", res.Credited),
			zap.Bool("duplicate", res.Duplicate))
	}

	if err := r.repo.Settle(ctx, t.ID, SettlementPending, SettlementRefunded, ""); err != nil && !errors.Is(err, ErrSettlementConflict) {
		r.logger.Warn("refund settlement failed", zap.String("task_id", t.ID.String()), zap.Error(err))
	}
	return nil
}

// storeResult turns a provider result into a stable reference. URLs are kept
// as they are; text goes to object storage.
func (r *Runner) storeResult(ctx context.Context, t *ExternalTask, result string) (string, error) {
	if result == "" {
		return "", nil
	}
	if isURL(result) {
		return result, nil
	}

	key, contentType := fmt.Sprintf("results/%s.txt", t.ID), "text/plain; charset=utf-8"
	if t.Kind == "crawl" {
		key, contentType = fmt.Sprintf("results/%s.md", t.ID), "text/markdown; charset=utf-8"
	}
	ref, err := r.storage.Put(ctx, key, strings.NewReader(result), int64(len(result)), contentType)
	if err != nil {
		return "", fmt.Errorf("store result: %w", err)
	}
	return ref, nil
}

func isURL(s string) bool {
	return (strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")) && !strings.ContainsAny(s, " \n\t")
}

// Cancel stops a running poll loop for id. It reports whether the task was
// running in this process.
func (r *Runner) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether the task is executing in this process.
func (r *Runner) IsRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

func (r *Runner) track(id uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(id uuid.UUID) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

// cancelledLocally reports whether run was cancelled through Cancel rather
// than by its parent shutting down.
func cancelledLocally(parent, run context.Context) bool {
	return run.Err() != nil && parent.Err() == nil
}

func ignoreTerminal(err error) error {
	if errors.Is(err, ErrTerminalState) {
		return nil
	}
	return err
}
