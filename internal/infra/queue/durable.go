package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// JobError is the final error of a job executed by a remote worker.
type JobError struct {
	Message string
}

func (e *JobError) Error() string { return e.Message }

// DurableQueue appends jobs to a Redis stream. Workers in any process
// execute them; outcomes come back over pub/sub and resolve handles held
// by this producer.
type DurableQueue struct {
	rdb    redis.UniversalClient
	config DurableConfig
	logger *zap.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

var _ Queue = (*DurableQueue)(nil)

// NewDurableQueue creates a producer for the configured stream.
func NewDurableQueue(rdb redis.UniversalClient, config DurableConfig, logger *zap.Logger) *DurableQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DurableQueue{
		rdb:     rdb,
		config:  config,
		logger:  logger.Named("durable-queue"),
		handles: make(map[uuid.UUID]*Handle),
	}
}

// Backend returns BackendDurable.
func (q *DurableQueue) Backend() Backend {
	return BackendDurable
}

// Config returns the queue configuration.
func (q *DurableQueue) Config() DurableConfig {
	return q.config
}

// Enqueue appends job to the stream. The handle resolves once a worker
// reports a final outcome and Listen is running.
func (q *DurableQueue) Enqueue(ctx context.Context, job *Job) (*Handle, error) {
	job.Backend = BackendDurable
	values, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	handle := newHandle(job.ID)
	handle.release = func() { q.forget(job.ID) }

	q.mu.Lock()
	q.handles[job.ID] = handle
	q.mu.Unlock()

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.config.Stream, Values: values}).Result()
	if err != nil {
		q.forget(job.ID)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("task_id", job.TaskID.String()),
		zap.String("message_id", id))
	return handle, nil
}

// Listen subscribes to worker events until ctx ends. ready, if non-nil, is
// closed once the subscription is active.
func (q *DurableQueue) Listen(ctx context.Context, ready chan<- struct{}) error {
	sub := q.rdb.Subscribe(ctx, q.config.eventsKey())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event subscription closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				q.logger.Warn("invalid job event", zap.Error(err))
				continue
			}
			q.resolve(&event)
		}
	}
}

func (q *DurableQueue) resolve(event *Event) {
	if event.Type == EventRetrying {
		return
	}
	jobID, err := uuid.Parse(event.JobID)
	if err != nil {
		return
	}

	q.mu.Lock()
	handle, ok := q.handles[jobID]
	delete(q.handles, jobID)
	q.mu.Unlock()
	if !ok {
		return
	}

	if event.Type == EventFailed {
		handle.complete(&JobError{Message: event.Error})
		return
	}
	handle.complete(nil)
}

func (q *DurableQueue) forget(jobID uuid.UUID) {
	q.mu.Lock()
	delete(q.handles, jobID)
	q.mu.Unlock()
}

// Pending returns the number of handles still awaiting an outcome.
func (q *DurableQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handles)
}

// DeadLetters lists dead-lettered jobs.
func (q *DurableQueue) DeadLetters(ctx context.Context, count int64) ([]*DeadLetter, error) {
	return ListDeadLetters(ctx, q.rdb, q.config, count)
}

// Requeue puts a dead-lettered job back on the stream.
func (q *DurableQueue) Requeue(ctx context.Context, messageID string) (*Job, error) {
	job, err := Requeue(ctx, q.rdb, q.config, messageID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("dead letter requeued",
		zap.String("message_id", messageID),
		zap.String("job_id", job.ID.String()))
	return job, nil
}
