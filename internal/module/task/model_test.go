package task

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateSubmitted, true},
		{StateCreated, StatePolling, true},
		{StateCreated, StateFailed, true},
		{StateSubmitted, StatePolling, true},
		{StateSubmitted, StateTimedOut, true},
		{StatePolling, StateSucceeded, true},
		{StatePolling, StateSubmitted, false},
		{StateSubmitted, StateCreated, false},
		{StatePolling, StatePolling, false},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateSucceeded, false},
		{StateTimedOut, StateSucceeded, false},
		{StateCreated, State("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSourcesFor(t *testing.T) {
	assert.ElementsMatch(t, []State{StateCreated}, sourcesFor(StateSubmitted))
	assert.ElementsMatch(t, NonTerminalStates, sourcesFor(StateFailed))
	assert.Empty(t, sourcesFor(StateCreated))
}

func TestMemoryRepository_TerminalIsFinal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	task := &ExternalTask{ID: uuid.New(), UserID: uuid.New(), Kind: "image", State: StateCreated, Settlement: SettlementPending}
	require.NoError(t, repo.Create(ctx, task))

	_, err := repo.Transition(ctx, task.ID, StateSucceeded, Update{ResultRef: "https://cdn.example.com/a.png"})
	require.NoError(t, err)

	_, err = repo.Transition(ctx, task.ID, StateFailed, Update{ErrorMessage: "late failure"})
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.ErrorIs(t, repo.RecordAttempts(ctx, task.ID, 9), ErrTerminalState)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestMemoryRepository_BackwardTransition(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	task := &ExternalTask{ID: uuid.New(), State: StatePolling, Settlement: SettlementPending}
	require.NoError(t, repo.Create(ctx, task))

	_, err := repo.Transition(ctx, task.ID, StateSubmitted, Update{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.Transition(ctx, uuid.New(), StatePolling, Update{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryRepository_SettleIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	task := &ExternalTask{ID: uuid.New(), State: StateTimedOut, Settlement: SettlementPending}
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.Settle(ctx, task.ID, SettlementPending, SettlementCommitted, "https://cdn.example.com/a.png"))
	assert.ErrorIs(t, repo.Settle(ctx, task.ID, SettlementPending, SettlementRefunded, ""), ErrSettlementConflict)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementCommitted, got.Settlement)
	assert.Equal(t, "https://cdn.example.com/a.png", got.ResultRef)
}
