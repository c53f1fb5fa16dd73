package poll

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// State is the observed state of a polled task.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// IsTerminal reports whether the state ends polling.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Check performs one status call. A returned error is treated as transient.
type Check func(ctx context.Context) (State, error)

// Config contains the backoff parameters.
type Config struct {
	BaseDelay        time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier       float64       `json:"multiplier" yaml:"multiplier"`
	StepSize         int           `json:"step_size" yaml:"step_size"`
	MaxDelay         time.Duration `json:"max_delay" yaml:"max_delay"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts"`
	WallClockTimeout time.Duration `json:"wall_clock_timeout" yaml:"wall_clock_timeout"`
	CallTimeout      time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultConfig returns the default poll configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        500 * time.Millisecond,
		Multiplier:       2,
		StepSize:         3,
		MaxDelay:         4 * time.Second,
		MaxAttempts:      30,
		WallClockTimeout: 2 * time.Minute,
		CallTimeout:      15 * time.Second,
	}
}

// Delay returns min(BaseDelay * Multiplier^floor(attempt/StepSize), MaxDelay).
// The delay grows once every StepSize attempts.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	step := c.StepSize
	if step <= 0 {
		step = 1
	}
	factor := math.Pow(c.Multiplier, float64(attempt/step))
	d := float64(c.BaseDelay) * factor
	if math.IsInf(d, 0) || d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Result summarises a finished poll loop.
type Result struct {
	State    State
	Attempts int
	Elapsed  time.Duration
	// LastErr is the last transient error seen, if any.
	LastErr error
}

// Poller runs a status check on a stepped exponential backoff until a
// terminal state, the attempt cap or the wall-clock timeout.
type Poller struct {
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPoller creates a new poller.
func NewPoller(config Config, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		config:  config,
		metrics: m,
		logger:  logger.Named("poller"),
	}
}

// Config returns the poller configuration.
func (p *Poller) Config() Config {
	return p.config
}

// Run polls until check reports a terminal state. Cancelling ctx stops the
// loop promptly and returns ctx.Err() with State pending; no timers outlive
// the call.
func (p *Poller) Run(ctx context.Context, check Check) (*Result, error) {
	start := time.Now()
	result := &Result{State: StatePending}

	deadline := time.NewTimer(p.config.WallClockTimeout)
	defer deadline.Stop()

	finish := func(state State) (*Result, error) {
		result.State = state
		result.Elapsed = time.Since(start)
		p.metrics.RecordPoll(string(state), result.Attempts)
		return result, nil
	}

	for attempt := 0; ; attempt++ {
		if p.config.MaxAttempts > 0 && attempt >= p.config.MaxAttempts {
			return finish(StateTimedOut)
		}

		wait := time.NewTimer(p.config.Delay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return finish(StateTimedOut)
		case <-wait.C:
		}

		state, err := p.call(ctx, check)
		result.Attempts++
		if err != nil {
			if ctx.Err() != nil {
				result.Elapsed = time.Since(start)
				return result, ctx.Err()
			}
			result.LastErr = err
			p.logger.Warn("poll error",
				zap.Int("attempt", result.Attempts),
				zap.Error(err))
			continue
		}

		switch state {
		case StateSucceeded, StateFailed:
			return finish(state)
		case StateTimedOut:
			return finish(StateTimedOut)
		}
	}
}

// call runs check under its own short timeout, independent of the wall clock.
func (p *Poller) call(ctx context.Context, check Check) (state State, err error) {
	callCtx := ctx
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			state, err = StatePending, errors.New("status check panicked")
			p.logger.Error("status check panicked", zap.Any("panic", r))
		}
	}()
	return check(callCtx)
}
