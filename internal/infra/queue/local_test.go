package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastLocalConfig() LocalConfig {
	return LocalConfig{
		Concurrency: 2,
		IntervalCap: 100,
		Interval:    time.Millisecond,
		Retries:     3,
		Factor:      2,
		MinTimeout:  time.Millisecond,
		MaxTimeout:  5 * time.Millisecond,
	}
}

func newJob() *Job {
	return NewJob(uuid.New(), uuid.New(), "image")
}

func waitHandle(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestLocalQueue_Success(t *testing.T) {
	var calls atomic.Int32
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		calls.Add(1)
		return nil
	}, nil, nil, nil)

	h, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)

	assert.NoError(t, waitHandle(t, h))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, BackendLocal, q.Backend())
}

func TestLocalQueue_ConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}, nil, nil, nil)

	handles := make([]*Handle, 0, 8)
	for i := 0; i < 8; i++ {
		h, err := q.Enqueue(context.Background(), newJob())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		assert.NoError(t, waitHandle(t, h))
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestLocalQueue_RateCap(t *testing.T) {
	cfg := fastLocalConfig()
	cfg.Concurrency = 10
	cfg.IntervalCap = 2
	cfg.Interval = 200 * time.Millisecond

	q := NewLocalQueue(cfg, func(_ context.Context, _ *Job) error { return nil }, nil, nil, nil)

	start := time.Now()
	var handles []*Handle
	for i := 0; i < 4; i++ {
		h, err := q.Enqueue(context.Background(), newJob())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, waitHandle(t, h))
	}

	// Two start immediately, the other two wait one token interval each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestLocalQueue_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	job := newJob()
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil, nil, nil)

	h, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)

	assert.NoError(t, waitHandle(t, h))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, job.RetryCount)
}

func TestLocalQueue_RetriesHonourRateCap(t *testing.T) {
	cfg := fastLocalConfig()
	cfg.IntervalCap = 1
	cfg.Interval = 100 * time.Millisecond

	var mu sync.Mutex
	var starts []time.Time
	q := NewLocalQueue(cfg, func(_ context.Context, _ *Job) error {
		mu.Lock()
		defer mu.Unlock()
		starts = append(starts, time.Now())
		if len(starts) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil, nil, nil)

	h, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)
	require.NoError(t, waitHandle(t, h))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	// Backoff alone is a few milliseconds; the limiter spaces attempts.
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 80*time.Millisecond)
	}
}

func TestLocalQueue_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	var failures atomic.Int32
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		calls.Add(1)
		return errors.New("always")
	}, func(_ context.Context, _ *Job, err error) {
		failures.Add(1)
		assert.EqualError(t, err, "always")
	}, nil, nil)

	h, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)

	assert.EqualError(t, waitHandle(t, h), "always")
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int32(1), failures.Load())
}

func TestLocalQueue_PermanentError(t *testing.T) {
	var calls atomic.Int32
	var failures atomic.Int32
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		calls.Add(1)
		return Permanent(errors.New("rejected"))
	}, func(_ context.Context, _ *Job, _ error) {
		failures.Add(1)
	}, nil, nil)

	h, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)

	err = waitHandle(t, h)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), failures.Load())
}

func TestLocalQueue_PanicIsolated(t *testing.T) {
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, job *Job) error {
		if job.Kind == "boom" {
			panic("kaboom")
		}
		return nil
	}, nil, nil, nil)

	bad := newJob()
	bad.Kind = "boom"
	hBad, err := q.Enqueue(context.Background(), bad)
	require.NoError(t, err)
	hGood, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)

	badErr := waitHandle(t, hBad)
	assert.True(t, IsPermanent(badErr))
	assert.Contains(t, badErr.Error(), "kaboom")
	assert.NoError(t, waitHandle(t, hGood))
}

func TestLocalQueue_Drain(t *testing.T) {
	release := make(chan struct{})
	q := NewLocalQueue(fastLocalConfig(), func(_ context.Context, _ *Job) error {
		<-release
		return nil
	}, nil, nil, nil)

	t.Run("Idle queue drains immediately", func(t *testing.T) {
		assert.NoError(t, q.Drain(10*time.Millisecond))
	})

	t.Run("Timeout with outstanding jobs", func(t *testing.T) {
		_, err := q.Enqueue(context.Background(), newJob())
		require.NoError(t, err)

		err = q.Drain(20 * time.Millisecond)
		assert.ErrorIs(t, err, ErrDrainTimeout)
	})

	t.Run("Drains once jobs finish", func(t *testing.T) {
		close(release)
		assert.NoError(t, q.Drain(time.Second))
		pending, running := q.Stats()
		assert.Zero(t, pending)
		assert.Zero(t, running)
	})
}

func TestLocalQueue_Stop(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	q := NewLocalQueue(fastLocalConfig(), func(ctx context.Context, _ *Job) error {
		wg.Done()
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil, nil)

	h, err := q.Enqueue(context.Background(), newJob())
	require.NoError(t, err)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	assert.ErrorIs(t, waitHandle(t, h), context.Canceled)

	_, err = q.Enqueue(context.Background(), newJob())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestHandle_WaitRespectsContext(t *testing.T) {
	h := newHandle(uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
	assert.NoError(t, h.Err())

	h.complete(errors.New("done"))
	h.complete(nil)
	assert.EqualError(t, h.Err(), "done")
}

func TestPermanent(t *testing.T) {
	base := errors.New("base")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
