package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend identifies which queue executed a job.
type Backend string

const (
	BackendLocal   Backend = "local"
	BackendDurable Backend = "durable"
)

var (
	ErrQueueClosed        = errors.New("queue closed")
	ErrDrainTimeout       = errors.New("drain timed out with jobs outstanding")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Job wraps one task for execution. It carries only references; the task
// record holds the payload.
type Job struct {
	ID             uuid.UUID `json:"id"`
	TaskID         uuid.UUID `json:"task_id"`
	UserID         uuid.UUID `json:"user_id"`
	Kind           string    `json:"kind"`
	RetryCount     int       `json:"retry_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Backend        Backend   `json:"backend"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	RequestID      string    `json:"request_id,omitempty"`
}

// NewJob creates a job for taskID.
func NewJob(taskID, userID uuid.UUID, kind string) *Job {
	now := time.Now()
	return &Job{
		ID:             uuid.New(),
		TaskID:         taskID,
		UserID:         userID,
		Kind:           kind,
		NextEligibleAt: now,
		EnqueuedAt:     now,
	}
}

// Handler executes a job body. Wrap an error with Permanent to skip retries.
type Handler func(ctx context.Context, job *Job) error

// FailureHandler runs once for a job whose retries are exhausted or whose
// error was permanent.
type FailureHandler func(ctx context.Context, job *Job, err error)

// Queue accepts jobs for deferred execution.
type Queue interface {
	// Enqueue schedules job and returns a handle that completes when the job
	// finishes for good.
	Enqueue(ctx context.Context, job *Job) (*Handle, error)
	Backend() Backend
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handle tracks a queued job until it completes.
type Handle struct {
	JobID uuid.UUID

	done    chan struct{}
	once    sync.Once
	err     error
	release func()
}

func newHandle(jobID uuid.UUID) *Handle {
	return &Handle{JobID: jobID, done: make(chan struct{})}
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job's final error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends. The job keeps running when
// ctx ends first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release tells the queue the caller no longer waits on the handle.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}
