package task

import "errors"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTerminalState       = errors.New("task is in a terminal state")
	ErrInvalidTransition   = errors.New("invalid task state transition")
	ErrSettlementConflict  = errors.New("task settlement already changed")
	ErrUnknownKind         = errors.New("unknown task kind")
	ErrMissingInput        = errors.New("either input or url is required")
	ErrNotCancellable      = errors.New("task is not running in this process")
	ErrStorageUnavailable  = errors.New("input storage unavailable")
	ErrDeadLettersDisabled = errors.New("dead letters require the durable queue")
)
