package task

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// ReconcilerConfig tunes the settlement sweep.
type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a live task may go without an update before it
	// is considered abandoned.
	StaleAfter time.Duration
	// OrphanRefundAfter is how long a timed-out task may stay pending on the
	// provider before its debit is refunded anyway.
	OrphanRefundAfter time.Duration
	BatchSize         int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked   int `json:"checked"`
	Committed int `json:"committed"`
	Refunded  int `json:"refunded"`
	TimedOut  int `json:"timed_out"`
	Errors    int `json:"errors"`
}

func (r *SweepResult) changed() bool {
	return r.Committed+r.Refunded+r.TimedOut+r.Errors > 0
}

// Reconciler settles tasks the request path could not: abandoned live tasks
// and timed-out tasks whose debit is still pending.
type Reconciler struct {
	repo    Repository
	clients outbound.TaskClientRegistry
	runner  *Runner
	config  ReconcilerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(repo Repository, clients outbound.TaskClientRegistry, runner *Runner, cfg ReconcilerConfig, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.OrphanRefundAfter <= 0 {
		cfg.OrphanRefundAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		repo:    repo,
		clients: clients,
		runner:  runner,
		config:  cfg,
		metrics: m,
		logger:  logger.Named("reconciler"),
		now:     time.Now,
	}
}

// Start sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("stale_after", r.config.StaleAfter))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if res.changed() {
				r.logger.Info("reconciliation sweep finished",
					zap.Int("checked", res.Checked),
					zap.Int("committed", res.Committed),
					zap.Int("refunded", res.Refunded),
					zap.Int("timed_out", res.TimedOut),
					zap.Int("errors", res.Errors))
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	now := r.now()

	stale, err := r.repo.ListStale(ctx, now.Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, t := range stale {
		if r.runner.IsRunning(t.ID) {
			continue
		}
		res.Checked++
		r.resolveStale(ctx, t, res)
	}

	unsettled, err := r.repo.ListUnsettled(ctx, now.Add(-r.config.Interval), r.config.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, t := range unsettled {
		res.Checked++
		r.settle(ctx, t, now, res)
	}
	return res, nil
}

// resolveStale drives an abandoned live task to a terminal state.
func (r *Reconciler) resolveStale(ctx context.Context, t *ExternalTask, res *SweepResult) {
	log := r.logger.With(zap.String("task_id", t.ID.String()), zap.String("state", string(t.State)))

	if t.ExternalID == "" {
		log.Warn("refunding task abandoned before submission")
		_ = r.runner.fail(ctx, t, FailureAbandoned, "abandoned before submission")
		r.count(res, "refunded")
		return
	}

	st, ok := r.status(ctx, t, res)
	if !ok {
		return
	}
	switch st.State {
	case outbound.ProviderStateSucceeded:
		if err := r.runner.succeed(ctx, t, st.Result); err != nil {
			log.Error("commit stale task failed", zap.Error(err))
			res.Errors++
			return
		}
		r.count(res, "committed")
	case outbound.ProviderStateFailed:
		_ = r.runner.fail(ctx, t, FailureProviderFailed, st.Error)
		r.count(res, "refunded")
	default:
		_, err := r.repo.Transition(ctx, t.ID, StateTimedOut, Update{ErrorMessage: "abandoned while the provider was still running"})
		if err != nil && !errors.Is(err, ErrTerminalState) {
			log.Error("time out stale task failed", zap.Error(err))
			res.Errors++
			return
		}
		r.metrics.RecordTask(t.Kind, string(StateTimedOut))
		r.count(res, "timed_out")
	}
}

// settle resolves the pending debit of a terminal task.
func (r *Reconciler) settle(ctx context.Context, t *ExternalTask, now time.Time, res *SweepResult) {
	log := r.logger.With(zap.String("task_id", t.ID.String()), zap.String("state", string(t.State)))

	switch t.State {
	case StateSucceeded:
		if err := r.repo.Settle(ctx, t.ID, SettlementPending, SettlementCommitted, ""); err != nil && !errors.Is(err, ErrSettlementConflict) {
			res.Errors++
			return
		}
		r.count(res, "committed")

	case StateFailed:
		if err := r.runner.refund(ctx, t, "retry refund for failed task"); err != nil {
			res.Errors++
			return
		}
		r.count(res, "refunded")

	case StateTimedOut:
		if t.ExternalID == "" {
			r.refundOrphan(ctx, t, "timed out before submission", res)
			return
		}
		st, ok := r.status(ctx, t, res)
		if !ok {
			return
		}
		switch st.State {
		case outbound.ProviderStateSucceeded:
			ref, err := r.runner.storeResult(ctx, t, st.Result)
			if err != nil {
				log.Error("store late result failed", zap.Error(err))
				res.Errors++
				return
			}
			if err := r.repo.Settle(ctx, t.ID, SettlementPending, SettlementCommitted, ref); err != nil && !errors.Is(err, ErrSettlementConflict) {
				res.Errors++
				return
			}
			log.Info("timed-out task finished late, debit committed")
			r.count(res, "committed")
		case outbound.ProviderStateFailed:
			r.refundOrphan(ctx, t, "provider failed after timeout: "+st.Error, res)
		default:
			if t.CompletedAt != nil && now.Sub(*t.CompletedAt) >= r.config.OrphanRefundAfter {
				r.refundOrphan(ctx, t, "orphaned: no provider result after timeout", res)
			}
		}
	}
}

func (r *Reconciler) refundOrphan(ctx context.Context, t *ExternalTask, reason string, res *SweepResult) {
	if err := r.runner.refund(ctx, t, reason); err != nil {
		res.Errors++
		return
	}
	r.count(res, "refunded")
}

func (r *Reconciler) status(ctx context.Context, t *ExternalTask, res *SweepResult) (*outbound.TaskStatus, bool) {
	client, ok := r.clients.Get(t.Kind)
	if !ok {
		res.Errors++
		return nil, false
	}
	st, err := client.GetStatus(ctx, t.ExternalID)
	if err != nil {
		if errors.Is(err, outbound.ErrProviderRejected) {
			return &outbound.TaskStatus{State: outbound.ProviderStateFailed, Error: err.Error()}, true
		}
		r.logger.Warn("status check failed", zap.String("task_id", t.ID.String()), zap.Error(err))
		res.Errors++
		return nil, false
	}
	return st, true
}

func (r *Reconciler) count(res *SweepResult, action string) {
	switch action {
	case "committed":
		res.Committed++
	case "refunded":
		res.Refunded++
	case "timed_out":
		res.TimedOut++
	}
	r.metrics.RecordReconciled(action)
}
