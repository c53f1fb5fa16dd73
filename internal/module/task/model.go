// Package task runs external tasks for users: it debits tokens, submits work
// to a provider through a queue, polls to a terminal state and settles the
// debit by committing or refunding it.
package task

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an ExternalTask. States only move forward.
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

var stateRank = map[State]int{
	StateCreated:   0,
	StateSubmitted: 1,
	StatePolling:   2,
	StateSucceeded: 3,
	StateFailed:    3,
	StateTimedOut:  3,
}

// IsTerminal reports whether no further transition is accepted.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// CanTransition reports whether from → to moves strictly forward.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	fr, ok1 := stateRank[from]
	tr, ok2 := stateRank[to]
	return ok1 && ok2 && tr > fr
}

// sourcesFor lists the states a task may be in to move to to.
func sourcesFor(to State) []State {
	var from []State
	for s := range stateRank {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// NonTerminalStates lists the states a live task can be in.
var NonTerminalStates = []State{StateCreated, StateSubmitted, StatePolling}

// Settlement records what happened to a task's debit.
type Settlement string

const (
	SettlementPending   Settlement = "pending"
	SettlementCommitted Settlement = "committed"
	SettlementRefunded  Settlement = "refunded"
)

// FailureKind classifies why a task failed.
type FailureKind string

const (
	FailureRejected       FailureKind = "rejected"
	FailureUnavailable    FailureKind = "unavailable"
	FailureProviderFailed FailureKind = "provider_failed"
	FailureAbandoned      FailureKind = "abandoned"
	FailureInternal       FailureKind = "internal"
)

// ExternalTask is one unit of work handed to an external provider.
type ExternalTask struct {
	ID           uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID   `json:"user_id" gorm:"type:uuid;not null;index"`
	Kind         string      `json:"kind" gorm:"not null"`
	ExternalID   string      `json:"external_id,omitempty" gorm:"column:external_id;index"`
	State        State       `json:"state" gorm:"not null;index"`
	Attempts     int         `json:"attempts" gorm:"not null;default:0"`
	PayloadRef   string      `json:"payload_ref" gorm:"not null"`
	Prompt       string      `json:"prompt,omitempty"`
	Limit        int         `json:"limit,omitempty" gorm:"column:page_limit"`
	ResultRef    string      `json:"result_ref,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	Cost         int64       `json:"cost" gorm:"not null"`
	Settlement   Settlement  `json:"settlement" gorm:"not null;index"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// TableName returns the table name for ExternalTask.
func (ExternalTask) TableName() string {
	return "external_tasks"
}

// IsTerminal checks if the task is in a terminal state.
func (t *ExternalTask) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Update carries the fields written alongside a state transition. Empty
// values leave the column unchanged.
type Update struct {
	ExternalID   string
	ResultRef    string
	ErrorMessage string
	FailureKind  FailureKind
}

func (u Update) columns(to State, now time.Time) map[string]any {
	cols := map[string]any{"state": to, "updated_at": now}
	if u.ExternalID != "" {
		cols["external_id"] = u.ExternalID
	}
	if u.ResultRef != "" {
		cols["result_ref"] = u.ResultRef
	}
	if u.ErrorMessage != "" {
		cols["error_message"] = u.ErrorMessage
	}
	if u.FailureKind != "" {
		cols["failure_kind"] = u.FailureKind
	}
	if to.IsTerminal() {
		cols["completed_at"] = now
	}
	return cols
}

func (u Update) apply(t *ExternalTask, to State, now time.Time) {
	t.State = to
	t.UpdatedAt = now
	if u.ExternalID != "" {
		t.ExternalID = u.ExternalID
	}
	if u.ResultRef != "" {
		t.ResultRef = u.ResultRef
	}
	if u.ErrorMessage != "" {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.FailureKind != "" {
		t.FailureKind = u.FailureKind
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
}
