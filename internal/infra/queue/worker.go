package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/infra/poll"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// Worker consumes jobs from the durable stream through a consumer group.
// Failed jobs are rescheduled through a delayed set; jobs that exhaust
// MaxAttempts go to the dead-letter stream after the failure handler runs.
// New and reclaimed messages share Concurrency slots.
type Worker struct {
	rdb       redis.UniversalClient
	slots     chan struct{}
	config    DurableConfig
	handler   Handler
	onFailure FailureHandler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewWorker creates a stream worker.
func NewWorker(rdb redis.UniversalClient, config DurableConfig, handler Handler, onFailure FailureHandler, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if config.Consumer == "" {
		host, _ := os.Hostname()
		config.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		rdb:       rdb,
		slots:     make(chan struct{}, config.Concurrency),
		config:    config,
		handler:   handler,
		onFailure: onFailure,
		metrics:   m,
		logger:    logger.Named("worker").With(zap.String("consumer", config.Consumer)),
	}
}

// Consumer returns the consumer name used in the group.
func (w *Worker) Consumer() string {
	return w.config.Consumer
}

// Run processes jobs until ctx ends, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := ensureGroup(ctx, w.rdb, w.config.Stream, w.config.Group); err != nil {
		return err
	}

	w.logger.Info("worker started",
		zap.String("stream", w.config.Stream),
		zap.String("group", w.config.Group),
		zap.Int("concurrency", w.config.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		w.tick(ctx, w.config.PromoteInterval, w.promoteDue)
	}()
	go func() {
		defer wg.Done()
		interval := w.config.ClaimIdle / 2
		if interval <= 0 {
			interval = time.Minute
		}
		w.tick(ctx, interval, w.reclaim)
	}()

	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) tick(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("background step failed", zap.Error(err))
			}
		}
	}
}

// acquire takes a processing slot, or reports false once ctx ends.
func (w *Worker) acquire(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) release() {
	<-w.slots
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for w.acquire(ctx) {
		err := w.consumeOne(ctx)
		w.release()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("read from stream failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// consumeOne reads and processes at most one new message while holding a slot.
func (w *Worker) consumeOne(ctx context.Context) error {
	msg, err := w.read(ctx)
	if err != nil || msg == nil {
		return err
	}
	// The job body gets a context that survives shutdown so an
	// in-flight job finishes and is acknowledged.
	w.process(context.WithoutCancel(ctx), *msg)
	return nil
}

// read returns the next new message, or nil when the block timeout expires.
func (w *Worker) read(ctx context.Context) (*redis.XMessage, error) {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.config.Group,
		Consumer: w.config.Consumer,
		Streams:  []string{w.config.Stream, ">"},
		Count:    1,
		Block:    w.config.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

// ProcessOne reads and processes a single message. It reports whether a
// message was handled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if err := ensureGroup(ctx, w.rdb, w.config.Stream, w.config.Group); err != nil {
		return false, err
	}
	if !w.acquire(ctx) {
		return false, ctx.Err()
	}
	defer w.release()
	msg, err := w.read(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	w.process(ctx, *msg)
	return true, nil
}

func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	job, err := decodeJob(msg.Values)
	if err != nil {
		w.logger.Error("undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
		w.deadLetter(ctx, msg.ID, &Job{}, msg.Values, "undecodable: "+err.Error())
		return
	}

	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("task_id", job.TaskID.String()),
		zap.Int("retry_count", job.RetryCount))

	w.metrics.JobStarted(string(BackendDurable))
	err = w.execute(ctx, job)
	w.metrics.JobFinished(string(BackendDurable), err)

	if err == nil {
		if aerr := w.rdb.XAck(ctx, w.config.Stream, w.config.Group, msg.ID).Err(); aerr != nil {
			log.Error("ack failed", zap.Error(aerr))
		}
		w.publish(ctx, job, EventSucceeded, nil)
		log.Debug("job succeeded")
		return
	}

	if !IsPermanent(err) && job.RetryCount+1 < w.config.MaxAttempts {
		if rerr := w.scheduleRetry(ctx, msg.ID, job); rerr != nil {
			log.Error("schedule retry failed", zap.Error(rerr))
			return
		}
		w.metrics.RecordRetry(string(BackendDurable))
		w.publish(ctx, job, EventRetrying, err)
		log.Info("job scheduled for retry",
			zap.Time("next_eligible_at", job.NextEligibleAt),
			zap.Error(err))
		return
	}

	log.Warn("job failed permanently", zap.Error(err))
	w.fail(ctx, msg.ID, job, msg.Values, err)
}

func (w *Worker) execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return w.handler(ctx, job)
}

// fail runs the failure handler, dead-letters the message and publishes the
// final outcome.
func (w *Worker) fail(ctx context.Context, messageID string, job *Job, values map[string]interface{}, cause error) {
	if w.onFailure != nil {
		w.onFailure(ctx, job, cause)
	}
	w.deadLetter(ctx, messageID, job, values, cause.Error())
	w.publish(ctx, job, EventFailed, cause)
}

func (w *Worker) deadLetter(ctx context.Context, messageID string, job *Job, values map[string]interface{}, reason string) {
	fields := map[string]interface{}{
		"original_message_id": messageID,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339Nano),
		"worker_id":           w.config.Consumer,
	}
	for k, v := range values {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	if job.ID != uuid.Nil {
		if encoded, err := encodeJob(job); err == nil {
			for k, v := range encoded {
				fields[k] = v
			}
		}
	}

	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: w.config.dlqKey(), Values: fields})
		pipe.XAck(ctx, w.config.Stream, w.config.Group, messageID)
		return nil
	})
	if err != nil {
		w.logger.Error("dead-letter failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

// scheduleRetry acks the current delivery and parks the job in the delayed
// set until its backoff elapses.
func (w *Worker) scheduleRetry(ctx context.Context, messageID string, job *Job) error {
	backoff := poll.Config{
		BaseDelay:  w.config.BackoffBase,
		Multiplier: 2,
		StepSize:   1,
		MaxDelay:   w.config.BackoffMax,
	}
	delay := backoff.Delay(job.RetryCount)
	job.RetryCount++
	job.NextEligibleAt = time.Now().Add(delay)

	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, w.config.delayedKey(), redis.Z{
			Score:  float64(job.NextEligibleAt.UnixMilli()),
			Member: string(member),
		})
		pipe.XAck(ctx, w.config.Stream, w.config.Group, messageID)
		return nil
	})
	return err
}

// promoteDue moves delayed jobs whose backoff has elapsed back onto the
// stream. ZREM decides ownership when several workers promote at once.
func (w *Worker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := w.rdb.ZRangeByScore(ctx, w.config.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("read delayed jobs: %w", err)
	}

	for _, member := range members {
		removed, err := w.rdb.ZRem(ctx, w.config.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed job: %w", err)
		}
		if removed != 1 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			w.logger.Error("invalid delayed job", zap.Error(err))
			continue
		}
		values, err := encodeJob(&job)
		if err != nil {
			return err
		}
		if err := w.rdb.XAdd(ctx, &redis.XAddArgs{Stream: w.config.Stream, Values: values}).Err(); err != nil {
			return fmt.Errorf("promote job: %w", err)
		}
	}
	return nil
}

// reclaim takes over messages left pending by crashed consumers. A message
// delivered more than MaxAttempts times is dead-lettered.
func (w *Worker) reclaim(ctx context.Context) error {
	msgs, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.config.Stream,
		Group:    w.config.Group,
		Consumer: w.config.Consumer,
		MinIdle:  w.config.ClaimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("auto-claim: %w", err)
	}

	for _, msg := range msgs {
		deliveries := w.deliveryCount(ctx, msg.ID)
		if deliveries > int64(w.config.MaxAttempts) {
			job, derr := decodeJob(msg.Values)
			if derr != nil {
				job = &Job{}
			}
			cause := Permanent(fmt.Errorf("delivered %d times without completing", deliveries))
			w.logger.Warn("abandoned job exceeded delivery limit",
				zap.String("message_id", msg.ID),
				zap.Int64("deliveries", deliveries))
			w.fail(ctx, msg.ID, job, msg.Values, cause)
			continue
		}
		if !w.acquire(ctx) {
			// Unprocessed claims stay pending and are reclaimed later.
			return nil
		}
		w.logger.Info("reclaimed abandoned job", zap.String("message_id", msg.ID))
		w.process(context.WithoutCancel(ctx), msg)
		w.release()
	}
	return nil
}

func (w *Worker) deliveryCount(ctx context.Context, messageID string) int64 {
	pending, err := w.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.config.Stream,
		Group:  w.config.Group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (w *Worker) publish(ctx context.Context, job *Job, typ EventType, cause error) {
	event := Event{
		Type:       typ,
		JobID:      job.ID.String(),
		TaskID:     job.TaskID.String(),
		RetryCount: job.RetryCount,
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := w.rdb.Publish(ctx, w.config.eventsKey(), data).Err(); err != nil {
		w.logger.Warn("publish job event failed", zap.Error(err))
	}
}
