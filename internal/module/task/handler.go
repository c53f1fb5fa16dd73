package task

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/ledger"
	apperrors "github.com/uniedit/taskorch/internal/shared/errors"
	"github.com/uniedit/taskorch/internal/shared/response"
	"github.com/uniedit/taskorch/internal/utils/middleware"
)

var errorMappings = []response.ErrorMapping{
	{Err: ledger.ErrInsufficientBalance, Status: http.StatusPaymentRequired, Code: "INSUFFICIENT_BALANCE", Message: "insufficient token balance"},
	{Err: ErrTaskNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
	{Err: ErrUnknownKind, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
	{Err: ErrMissingInput, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
	{Err: ErrTerminalState, Status: http.StatusConflict, Code: "CONFLICT"},
	{Err: ErrNotCancellable, Status: http.StatusConflict, Code: "CONFLICT"},
	{Err: ErrStorageUnavailable, Status: http.StatusServiceUnavailable, Code: "STORAGE_UNAVAILABLE", Message: "input storage unavailable"},
	{Err: ErrDeadLettersDisabled, Status: http.StatusNotImplemented, Code: "NOT_IMPLEMENTED"},
	{Err: queue.ErrDeadLetterNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "dead letter not found"},
	{Err: queue.ErrQueueClosed, Status: http.StatusServiceUnavailable, Code: "SHUTTING_DOWN", Message: "server is shutting down"},
	{Err: ledger.ErrInvariantViolation, Status: http.StatusInternalServerError, Code: "LEDGER_INVARIANT", Message: "internal error"},
}

// DeadLetterAdmin inspects and requeues dead-lettered jobs.
type DeadLetterAdmin interface {
	DeadLetters(ctx context.Context, count int64) ([]*queue.DeadLetter, error)
	Requeue(ctx context.Context, messageID string) (*queue.Job, error)
}

// Handler handles HTTP requests for tasks.
type Handler struct {
	orchestrator *Orchestrator
	reconciler   *Reconciler
	deadLetters  DeadLetterAdmin
	admins       *middleware.AdminAuthorizer
}

// NewHandler creates a task handler. deadLetters may be nil when the local
// queue is active.
func NewHandler(o *Orchestrator, rec *Reconciler, deadLetters DeadLetterAdmin, admins *middleware.AdminAuthorizer) *Handler {
	return &Handler{orchestrator: o, reconciler: rec, deadLetters: deadLetters, admins: admins}
}

// RegisterRoutes registers task routes. submitMiddleware runs before
// submit-task only.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, submitMiddleware ...gin.HandlerFunc) {
	r.POST("/submit-task", append(submitMiddleware, h.Submit)...)
	r.GET("/task-status", h.Status)
	r.GET("/tasks", h.List)
	r.POST("/tasks/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes registers administrative routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
	dlq := r.Group("/queue/dead-letters")
	{
		dlq.GET("", h.ListDeadLetters)
		dlq.POST("/:id/requeue", h.RequeueDeadLetter)
	}
}

// Submit runs a task and answers 200 with the result, 202 while it is still
// processing, or an error.
//
//	@Summary		Submit a task
//	@Description	Debits the task price, queues the task and waits briefly for a result
//	@Tags			Tasks
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			Idempotency-Key	header	string	false	"Replays the first response for a repeated key"
//	@Param			request	body		SubmitRequest	true	"Task request"
//	@Success		200		{object}	ResultResponse
//	@Success		202		{object}	AcceptedResponse
//	@Failure		400		{object}	map[string]string	"Invalid request"
//	@Failure		402		{object}	map[string]string	"Insufficient balance"
//	@Failure		409		{object}	map[string]string	"Request in progress"
//	@Failure		422		{object}	map[string]string	"Provider rejected the task"
//	@Failure		429		{object}	map[string]string	"Rate limit exceeded"
//	@Failure		502		{object}	map[string]string	"Task failed"
//	@Router			/submit-task [post]
func (h *Handler) Submit(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	var req SubmitRequest
	if !response.BindJSON(c, &req) {
		return
	}

	in := &SubmitInput{
		Kind:        req.Kind,
		Prompt:      req.Prompt,
		URL:         req.URL,
		ContentType: req.ContentType,
		Limit:       req.Limit,
	}
	if req.Input != "" {
		data, err := base64.StdEncoding.DecodeString(req.Input)
		if err != nil {
			response.BadRequest(c, "input must be base64")
			return
		}
		in.Input = data
	}

	t, err := h.orchestrator.Submit(c.Request.Context(), userID, in)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}

	switch t.State {
	case StateSucceeded:
		c.JSON(http.StatusOK, ResultResponse{TaskID: t.ID, State: t.State, Result: t.ResultRef})
	case StateFailed:
		response.HandleError(c, failureError(t))
	default:
		c.JSON(http.StatusAccepted, AcceptedResponse{TaskID: t.ID, State: t.State, Message: "processing"})
	}
}

// failureError maps a failed task to the error surfaced to the caller.
func failureError(t *ExternalTask) error {
	switch t.FailureKind {
	case FailureRejected:
		return apperrors.ProviderRejected(t.ErrorMessage, nil)
	case FailureUnavailable:
		return apperrors.ProviderUnavailable("provider unavailable, tokens refunded", nil)
	case FailureProviderFailed:
		return apperrors.TaskFailed(t.ErrorMessage)
	default:
		return apperrors.Internal("task failed", nil)
	}
}

// Status returns a task's state for follow-up after a 202.
//
//	@Summary		Get task status
//	@Tags			Tasks
//	@Produce		json
//	@Security		BearerAuth
//	@Param			taskId	query		string	true	"Task ID"
//	@Success		200		{object}	StatusResponse
//	@Failure		400		{object}	map[string]string	"Invalid task ID"
//	@Failure		404		{object}	map[string]string	"Task not found"
//	@Router			/task-status [get]
func (h *Handler) Status(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	taskID, err := uuid.Parse(c.Query("taskId"))
	if err != nil {
		response.BadRequest(c, "taskId must be a UUID")
		return
	}

	t, err := h.orchestrator.Get(c.Request.Context(), userID, taskID, h.admins.IsAdmin(userID))
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(t))
}

// List returns the caller's recent tasks.
//
//	@Summary		List tasks
//	@Tags			Tasks
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limit	query		int	false	"Maximum tasks (1-500)"
//	@Success		200		{object}	ListResponse
//	@Failure		400		{object}	map[string]string	"Invalid limit"
//	@Router			/tasks [get]
func (h *Handler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			response.BadRequest(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	tasks, err := h.orchestrator.List(c.Request.Context(), userID, limit)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	out := make([]*StatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toStatusResponse(t))
	}
	c.JSON(http.StatusOK, ListResponse{Tasks: out})
}

// Cancel stops polling a task.
//
//	@Summary		Cancel polling
//	@Tags			Tasks
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Task ID"
//	@Success		202		{object}	AcceptedResponse
//	@Failure		404		{object}	map[string]string	"Task not found"
//	@Failure		409		{object}	map[string]string	"Task finished or not running here"
//	@Router			/tasks/{id}/cancel [post]
func (h *Handler) Cancel(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid task id")
		return
	}

	t, err := h.orchestrator.Cancel(c.Request.Context(), userID, taskID)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{TaskID: t.ID, State: t.State, Message: "polling cancelled; the task will be settled by reconciliation"})
}

// Reconcile runs one reconciliation sweep.
//
//	@Summary		Run a reconciliation sweep
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200		{object}	SweepResult
//	@Failure		403		{object}	map[string]string	"Forbidden"
//	@Router			/admin/reconcile [post]
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListDeadLetters lists dead-lettered durable jobs.
//
//	@Summary		List dead-lettered jobs
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Param			count	query		int	false	"Maximum entries"
//	@Success		200		{object}	map[string][]DeadLetterResponse
//	@Failure		501		{object}	map[string]string	"Local queue in use"
//	@Router			/admin/queue/dead-letters [get]
func (h *Handler) ListDeadLetters(c *gin.Context) {
	if h.deadLetters == nil {
		response.HandleError(c, ErrDeadLettersDisabled, errorMappings...)
		return
	}
	count := int64(100)
	if s := c.Query("count"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			response.BadRequest(c, "count must be a positive integer")
			return
		}
		count = n
	}

	letters, err := h.deadLetters.DeadLetters(c.Request.Context(), count)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	out := make([]DeadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		out = append(out, DeadLetterResponse{
			MessageID:  dl.MessageID,
			JobID:      dl.Job.ID,
			TaskID:     dl.Job.TaskID,
			Kind:       dl.Job.Kind,
			RetryCount: dl.Job.RetryCount,
			Reason:     dl.Reason,
			WorkerID:   dl.WorkerID,
			MovedAt:    dl.MovedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": out})
}

// RequeueDeadLetter puts a dead-lettered job back on the stream.
//
//	@Summary		Requeue a dead-lettered job
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Dead-letter message ID"
//	@Success		202		{object}	map[string]string
//	@Failure		404		{object}	map[string]string	"Dead letter not found"
//	@Failure		501		{object}	map[string]string	"Local queue in use"
//	@Router			/admin/queue/dead-letters/{id}/requeue [post]
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	if h.deadLetters == nil {
		response.HandleError(c, ErrDeadLettersDisabled, errorMappings...)
		return
	}
	job, err := h.deadLetters.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "taskId": job.TaskID})
}
