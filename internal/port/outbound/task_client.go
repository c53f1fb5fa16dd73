package outbound

import (
	"context"
	"errors"
)

var (
	// ErrProviderUnavailable marks a transient provider failure (network, 5xx,
	// throttling, open circuit). Callers retry.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected marks a permanent refusal (4xx, validation).
	// Callers must not retry.
	ErrProviderRejected = errors.New("provider rejected task")
)

// ProviderState is the state reported by an external provider.
type ProviderState string

const (
	ProviderStatePending   ProviderState = "pending"
	ProviderStateSucceeded ProviderState = "succeeded"
	ProviderStateFailed    ProviderState = "failed"
)

// IsTerminal reports whether the provider is done with the task.
func (s ProviderState) IsTerminal() bool {
	return s == ProviderStateSucceeded || s == ProviderStateFailed
}

// TaskPayload is the unit of work handed to a provider.
type TaskPayload struct {
	// InputURL points at the stored input (an image, or the page to crawl).
	InputURL string
	Prompt   string
	// Limit caps the number of documents for crawl-style providers.
	Limit int
}

// SubmitResult is returned by Submit. A provider may finish synchronously,
// in which case State is terminal and no polling is needed.
type SubmitResult struct {
	ExternalID string
	State      ProviderState
	Result     string
	Error      string
}

// TaskStatus is returned by GetStatus.
type TaskStatus struct {
	State  ProviderState
	Result string
	Error  string
}

// TaskClientPort submits work to an external provider and reports its state.
type TaskClientPort interface {
	// Kind returns the task kind this client serves.
	Kind() string

	// Submit hands payload to the provider.
	Submit(ctx context.Context, payload *TaskPayload) (*SubmitResult, error)

	// GetStatus fetches the provider-side state of a submitted task.
	GetStatus(ctx context.Context, externalID string) (*TaskStatus, error)
}

// TaskClientRegistry resolves a client by task kind.
type TaskClientRegistry interface {
	Get(kind string) (TaskClientPort, bool)
	Kinds() []string
}
