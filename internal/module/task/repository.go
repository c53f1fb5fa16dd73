package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists ExternalTasks. Implementations enforce forward-only
// transitions atomically.
type Repository interface {
	Create(ctx context.Context, task *ExternalTask) error
	Get(ctx context.Context, id uuid.UUID) (*ExternalTask, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*ExternalTask, error)

	// Transition moves a task to state to. It fails with ErrTerminalState
	// once the task is terminal and ErrInvalidTransition for a backward move.
	Transition(ctx context.Context, id uuid.UUID, to State, update Update) (*ExternalTask, error)

	// RecordAttempts stores the poll attempt count of a live task.
	RecordAttempts(ctx context.Context, id uuid.UUID, attempts int) error

	// Settle moves the settlement from → to. resultRef, when set, is recorded
	// with it. ErrSettlementConflict means another writer settled first.
	Settle(ctx context.Context, id uuid.UUID, from, to Settlement, resultRef string) error

	// ListStale returns live tasks not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*ExternalTask, error)

	// ListUnsettled returns terminal tasks completed before before whose
	// settlement is still pending.
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*ExternalTask, error)
}
