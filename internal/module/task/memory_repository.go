package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository implements Repository in memory.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*ExternalTask
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[uuid.UUID]*ExternalTask)}
}

func (r *MemoryRepository) Create(_ context.Context, task *ExternalTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*ExternalTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*ExternalTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExternalTask
	for _, t := range r.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id uuid.UUID, to State, update Update) (*ExternalTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.State.IsTerminal() {
		return nil, ErrTerminalState
	}
	if !CanTransition(t.State, to) {
		return nil, ErrInvalidTransition
	}
	update.apply(t, to, time.Now())
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) RecordAttempts(_ context.Context, id uuid.UUID, attempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.State.IsTerminal() {
		return ErrTerminalState
	}
	t.Attempts = attempts
	t.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) Settle(_ context.Context, id uuid.UUID, from, to Settlement, resultRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Settlement != from {
		return ErrSettlementConflict
	}
	t.Settlement = to
	if resultRef != "" {
		t.ResultRef = resultRef
	}
	return nil
}

func (r *MemoryRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*ExternalTask, error) {
	return r.filter(limit, func(t *ExternalTask) bool {
		return !t.State.IsTerminal() && t.UpdatedAt.Before(before)
	}), nil
}

func (r *MemoryRepository) ListUnsettled(_ context.Context, before time.Time, limit int) ([]*ExternalTask, error) {
	return r.filter(limit, func(t *ExternalTask) bool {
		return t.State.IsTerminal() && t.Settlement == SettlementPending &&
			t.CompletedAt != nil && t.CompletedAt.Before(before)
	}), nil
}

func (r *MemoryRepository) filter(limit int, keep func(*ExternalTask) bool) []*ExternalTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExternalTask
	for _, t := range r.tasks {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Backdate shifts a task's timestamps into the past. Used by tests and
// local tooling to exercise the reconciler.
func (r *MemoryRepository) Backdate(id uuid.UUID, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.UpdatedAt = t.UpdatedAt.Add(-d)
		if t.CompletedAt != nil {
			at := t.CompletedAt.Add(-d)
			t.CompletedAt = &at
		}
	}
}
