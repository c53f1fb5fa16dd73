package task

import (
	"time"

	"github.com/google/uuid"
)

// SubmitRequest is the submit-task body. Input carries base64 bytes that are
// uploaded before the debit; URL is used when there is no upload.
type SubmitRequest struct {
	Kind        string `json:"kind" binding:"required,oneof=image crawl"`
	Prompt      string `json:"prompt" binding:"max=4000"`
	URL         string `json:"url" binding:"omitempty,httpurl"`
	Input       string `json:"input" binding:"omitempty,base64"`
	ContentType string `json:"contentType" binding:"omitempty,max=128"`
	Limit       int    `json:"limit" binding:"gte=0,lte=1000"`
}

// ResultResponse is returned when a task finished within the request.
type ResultResponse struct {
	TaskID uuid.UUID `json:"taskId"`
	State  State     `json:"state"`
	Result string    `json:"result"`
}

// AcceptedResponse is returned when the task is still processing.
type AcceptedResponse struct {
	TaskID  uuid.UUID `json:"taskId"`
	State   State     `json:"state"`
	Message string    `json:"message"`
}

// StatusResponse describes a task for follow-up polling.
type StatusResponse struct {
	TaskID      uuid.UUID   `json:"taskId"`
	Kind        string      `json:"kind"`
	State       State       `json:"state"`
	Result      string      `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailureKind FailureKind `json:"failureKind,omitempty"`
	Attempts    int         `json:"attempts"`
	Settlement  Settlement  `json:"settlement"`
	Cost        int64       `json:"cost"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

func toStatusResponse(t *ExternalTask) *StatusResponse {
	return &StatusResponse{
		TaskID:      t.ID,
		Kind:        t.Kind,
		State:       t.State,
		Result:      t.ResultRef,
		Error:       t.ErrorMessage,
		FailureKind: t.FailureKind,
		Attempts:    t.Attempts,
		Settlement:  t.Settlement,
		Cost:        t.Cost,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// ListResponse wraps a user's tasks.
type ListResponse struct {
	Tasks []*StatusResponse `json:"tasks"`
}

// DeadLetterResponse describes a dead-lettered job.
type DeadLetterResponse struct {
	MessageID  string    `json:"messageId"`
	JobID      uuid.UUID `json:"jobId"`
	TaskID     uuid.UUID `json:"taskId"`
	Kind       string    `json:"kind"`
	RetryCount int       `json:"retryCount"`
	Reason     string    `json:"reason"`
	WorkerID   string    `json:"workerId"`
	MovedAt    time.Time `json:"movedAt"`
}
