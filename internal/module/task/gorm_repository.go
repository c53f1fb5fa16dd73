package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormRepository implements Repository on PostgreSQL.
type GormRepository struct {
	db *gorm.DB
}

var _ Repository = (*GormRepository)(nil)

// NewGormRepository creates a new gorm-backed task repository.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Create creates a new task.
func (r *GormRepository) Create(ctx context.Context, task *ExternalTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (r *GormRepository) Get(ctx context.Context, id uuid.UUID) (*ExternalTask, error) {
	var task ExternalTask
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListByUser lists a user's tasks, newest first.
func (r *GormRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*ExternalTask, error) {
	var tasks []*ExternalTask
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Transition guards the update with the set of legal source states so that
// two writers cannot both move a task out of the same state.
func (r *GormRepository) Transition(ctx context.Context, id uuid.UUID, to State, update Update) (*ExternalTask, error) {
	result := r.db.WithContext(ctx).Model(&ExternalTask{}).
		Where("id = ? AND state IN ?", id, sourcesFor(to)).
		Updates(update.columns(to, time.Now()))
	if result.Error != nil {
		return nil, fmt.Errorf("transition task: %w", result.Error)
	}

	task, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		if task.IsTerminal() {
			return nil, ErrTerminalState
		}
		return nil, ErrInvalidTransition
	}
	return task, nil
}

// RecordAttempts stores the poll attempt count of a live task.
func (r *GormRepository) RecordAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	result := r.db.WithContext(ctx).Model(&ExternalTask{}).
		Where("id = ? AND state IN ?", id, NonTerminalStates).
		Updates(map[string]any{"attempts": attempts, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("record attempts: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTerminalState
	}
	return nil
}

// Settle moves the settlement with a compare-and-set on the current value.
func (r *GormRepository) Settle(ctx context.Context, id uuid.UUID, from, to Settlement, resultRef string) error {
	cols := map[string]any{"settlement": to, "updated_at": time.Now()}
	if resultRef != "" {
		cols["result_ref"] = resultRef
	}
	result := r.db.WithContext(ctx).Model(&ExternalTask{}).
		Where("id = ? AND settlement = ?", id, from).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("settle task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrSettlementConflict
	}
	return nil
}

// ListStale returns live tasks not updated since before.
func (r *GormRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*ExternalTask, error) {
	var tasks []*ExternalTask
	err := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", NonTerminalStates, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return tasks, nil
}

// ListUnsettled returns terminal tasks with a pending settlement.
func (r *GormRepository) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*ExternalTask, error) {
	var tasks []*ExternalTask
	err := r.db.WithContext(ctx).
		Where("state IN ? AND settlement = ? AND completed_at < ?",
			[]State{StateSucceeded, StateFailed, StateTimedOut}, SettlementPending, before).
		Order("completed_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list unsettled tasks: %w", err)
	}
	return tasks, nil
}
