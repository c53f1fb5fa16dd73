package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uniedit/taskorch/internal/infra/poll"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// LocalConfig contains the in-process queue configuration.
type LocalConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	IntervalCap int           `json:"interval_cap" yaml:"interval_cap"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Retries     int           `json:"retries" yaml:"retries"`
	Factor      float64       `json:"factor" yaml:"factor"`
	MinTimeout  time.Duration `json:"min_timeout" yaml:"min_timeout"`
	MaxTimeout  time.Duration `json:"max_timeout" yaml:"max_timeout"`
}

// DefaultLocalConfig returns the default local queue configuration.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Concurrency: 3,
		IntervalCap: 5,
		Interval:    time.Second,
		Retries:     3,
		Factor:      2,
		MinTimeout:  time.Second,
		MaxTimeout:  30 * time.Second,
	}
}

// retryBackoff reuses the poll schedule with a step of one attempt.
func (c LocalConfig) retryBackoff() poll.Config {
	maxDelay := c.MaxTimeout
	if maxDelay < c.MinTimeout {
		maxDelay = c.MinTimeout
	}
	return poll.Config{BaseDelay: c.MinTimeout, Multiplier: c.Factor, StepSize: 1, MaxDelay: maxDelay}
}

// LocalQueue runs jobs in process with a concurrency cap, a start-rate cap
// and automatic retry. Every attempt, first or retried, takes a limiter token.
// Jobs are lost if the process exits.
type LocalQueue struct {
	config    LocalConfig
	handler   Handler
	onFailure FailureHandler
	limiter   *rate.Limiter
	semaphore chan struct{}
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending int
	running int
	idle    chan struct{}
}

var _ Queue = (*LocalQueue)(nil)

// NewLocalQueue creates a local queue that executes jobs with handler.
func NewLocalQueue(config LocalConfig, handler Handler, onFailure FailureHandler, m *metrics.Metrics, logger *zap.Logger) *LocalQueue {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Factor < 1 {
		config.Factor = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := config.Concurrency
	if config.IntervalCap > 0 && config.Interval > 0 {
		limit = rate.Every(config.Interval / time.Duration(config.IntervalCap))
		burst = config.IntervalCap
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &LocalQueue{
		config:    config,
		handler:   handler,
		onFailure: onFailure,
		limiter:   rate.NewLimiter(limit, burst),
		semaphore: make(chan struct{}, config.Concurrency),
		metrics:   m,
		logger:    logger.Named("local-queue"),
		ctx:       ctx,
		cancel:    cancel,
		idle:      idle,
	}
}

// Backend returns BackendLocal.
func (q *LocalQueue) Backend() Backend {
	return BackendLocal
}

// Enqueue schedules job. It never blocks on capacity.
func (q *LocalQueue) Enqueue(_ context.Context, job *Job) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.wg.Add(1)
	q.mu.Unlock()

	job.Backend = BackendLocal
	handle := newHandle(job.ID)

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("task_id", job.TaskID.String()))

	go q.run(job, handle)
	return handle, nil
}

// Stats returns the number of outstanding and executing jobs.
func (q *LocalQueue) Stats() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.running
}

// Drain waits until no jobs are outstanding or timeout elapses. It does not
// cancel anything.
func (q *LocalQueue) Drain(timeout time.Duration) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
		pending, _ := q.Stats()
		return fmt.Errorf("%w: %d", ErrDrainTimeout, pending)
	}
}

// Stop rejects new jobs, cancels running ones and waits for them to return
// or ctx to end.
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("local queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) run(job *Job, handle *Handle) {
	defer q.wg.Done()
	defer q.finish()

	select {
	case q.semaphore <- struct{}{}:
		defer func() { <-q.semaphore }()
	case <-q.ctx.Done():
		handle.complete(ErrQueueClosed)
		return
	}

	if err := q.limiter.Wait(q.ctx); err != nil {
		handle.complete(ErrQueueClosed)
		return
	}

	q.mu.Lock()
	q.running++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
	}()

	q.metrics.JobStarted(string(BackendLocal))
	err := q.attempt(job)
	q.metrics.JobFinished(string(BackendLocal), err)

	if err != nil && q.ctx.Err() == nil && q.onFailure != nil {
		q.onFailure(q.ctx, job, err)
	}
	handle.complete(err)
}

// attempt runs the handler up to Retries+1 times.
func (q *LocalQueue) attempt(job *Job) error {
	backoff := q.config.retryBackoff()

	for {
		err := q.execute(job)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || q.ctx.Err() != nil {
			return err
		}
		if job.RetryCount >= q.config.Retries {
			q.logger.Warn("job retries exhausted",
				zap.String("job_id", job.ID.String()),
				zap.String("task_id", job.TaskID.String()),
				zap.Int("attempts", job.RetryCount+1),
				zap.Error(err))
			return err
		}

		delay := backoff.Delay(job.RetryCount)
		job.RetryCount++
		job.NextEligibleAt = time.Now().Add(delay)
		q.metrics.RecordRetry(string(BackendLocal))
		q.logger.Info("retrying job",
			zap.String("job_id", job.ID.String()),
			zap.Int("retry", job.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
			return err
		}
		// A retry is a fresh start and counts against the start rate.
		if werr := q.limiter.Wait(q.ctx); werr != nil {
			return err
		}
	}
}

// execute isolates a panicking handler from the rest of the queue.
func (q *LocalQueue) execute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return q.handler(q.ctx, job)
}

func (q *LocalQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}
