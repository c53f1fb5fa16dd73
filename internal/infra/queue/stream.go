package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DurableConfig contains the Redis Streams queue configuration.
type DurableConfig struct {
	Stream          string        `json:"stream" yaml:"stream"`
	Group           string        `json:"group" yaml:"group"`
	Consumer        string        `json:"consumer" yaml:"consumer"`
	Concurrency     int           `json:"concurrency" yaml:"concurrency"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax      time.Duration `json:"backoff_max" yaml:"backoff_max"`
	BlockTimeout    time.Duration `json:"block_timeout" yaml:"block_timeout"`
	ClaimIdle       time.Duration `json:"claim_idle" yaml:"claim_idle"`
	PromoteInterval time.Duration `json:"promote_interval" yaml:"promote_interval"`
}

// DefaultDurableConfig returns the default durable queue configuration.
func DefaultDurableConfig() DurableConfig {
	return DurableConfig{
		Stream:          "taskorch:jobs",
		Group:           "taskorch-workers",
		Concurrency:     4,
		MaxAttempts:     4,
		BackoffBase:     2 * time.Second,
		BackoffMax:      time.Minute,
		BlockTimeout:    5 * time.Second,
		ClaimIdle:       10 * time.Minute,
		PromoteInterval: time.Second,
	}
}

func (c DurableConfig) dlqKey() string     { return c.Stream + ":dlq" }
func (c DurableConfig) delayedKey() string { return c.Stream + ":delayed" }
func (c DurableConfig) eventsKey() string  { return c.Stream + ":events" }

// EventType describes a job lifecycle event published by workers.
type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventRetrying  EventType = "retrying"
	// EventFailed is final: the job was dead-lettered.
	EventFailed EventType = "failed"
)

// Event is published on the events channel for every job outcome.
type Event struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"jobId"`
	TaskID     string    `json:"taskId"`
	RetryCount int       `json:"retryCount"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeadLetter is a job moved to the dead-letter stream.
type DeadLetter struct {
	MessageID string
	Job       *Job
	Reason    string
	MovedAt   time.Time
	WorkerID  string
}

func encodeJob(job *Job) (map[string]interface{}, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return map[string]interface{}{
		"job_id":      job.ID.String(),
		"task_id":     job.TaskID.String(),
		"kind":        job.Kind,
		"retry_count": strconv.Itoa(job.RetryCount),
		"payload":     string(payload),
	}, nil
}

func decodeJob(values map[string]interface{}) (*Job, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("message has no payload field")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// ensureGroup creates the consumer group, ignoring an existing one.
func ensureGroup(ctx context.Context, rdb redis.UniversalClient, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to count dead-lettered jobs, oldest first.
func ListDeadLetters(ctx context.Context, rdb redis.UniversalClient, cfg DurableConfig, count int64) ([]*DeadLetter, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := rdb.XRangeN(ctx, cfg.dlqKey(), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	letters := make([]*DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg.Values)
		if err != nil {
			continue
		}
		dl := &DeadLetter{MessageID: msg.ID, Job: job}
		dl.Reason, _ = msg.Values["reason"].(string)
		dl.WorkerID, _ = msg.Values["worker_id"].(string)
		if movedAt, ok := msg.Values["moved_at"].(string); ok {
			dl.MovedAt, _ = time.Parse(time.RFC3339Nano, movedAt)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Requeue moves a dead-lettered job back onto the main stream with a fresh
// retry budget.
func Requeue(ctx context.Context, rdb redis.UniversalClient, cfg DurableConfig, messageID string) (*Job, error) {
	msgs, err := rdb.XRange(ctx, cfg.dlqKey(), messageID, messageID).Result()
	if err != nil {
		if strings.Contains(err.Error(), "Invalid stream ID") {
			return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, messageID)
		}
		return nil, fmt.Errorf("read dead letter: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, messageID)
	}
	job, err := decodeJob(msgs[0].Values)
	if err != nil {
		return nil, err
	}
	job.RetryCount = 0
	job.NextEligibleAt = time.Now()

	values, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: cfg.Stream, Values: values})
		pipe.XDel(ctx, cfg.dlqKey(), messageID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter: %w", err)
	}
	return job, nil
}
