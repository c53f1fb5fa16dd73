package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

// BreakerClient guards a TaskClientPort with a circuit breaker. Only
// ErrProviderUnavailable counts as a failure; rejections mean the provider
// is healthy, and a call the caller cancelled says nothing about it.
type BreakerClient struct {
	next    outbound.TaskClientPort
	breaker *gobreaker.CircuitBreaker[any]
}

var _ outbound.TaskClientPort = (*BreakerClient)(nil)

// NewBreakerClient wraps next. threshold consecutive failures open the
// circuit for timeout.
func NewBreakerClient(next outbound.TaskClientPort, threshold uint32, timeout time.Duration, logger *zap.Logger) *BreakerClient {
	if threshold == 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("breaker").With(zap.String("provider", next.Kind()))

	settings := gobreaker.Settings{
		Name:        next.Kind(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, outbound.ErrProviderUnavailable) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerClient{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Kind returns the wrapped client's kind.
func (b *BreakerClient) Kind() string {
	return b.next.Kind()
}

// State returns the breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

// Submit calls the wrapped client through the breaker.
func (b *BreakerClient) Submit(ctx context.Context, payload *outbound.TaskPayload) (*outbound.SubmitResult, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return b.next.Submit(ctx, payload)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*outbound.SubmitResult), nil
}

// GetStatus calls the wrapped client through the breaker.
func (b *BreakerClient) GetStatus(ctx context.Context, externalID string) (*outbound.TaskStatus, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return b.next.GetStatus(ctx, externalID)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*outbound.TaskStatus), nil
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", outbound.ErrProviderUnavailable, err)
	}
	return err
}
