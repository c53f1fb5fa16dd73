package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/uniedit/taskorch/internal/shared/response"
	"github.com/uniedit/taskorch/internal/utils/middleware"
)

var errorMappings = []response.ErrorMapping{
	{Err: ErrInsufficientBalance, Status: http.StatusPaymentRequired, Code: "INSUFFICIENT_BALANCE"},
	{Err: ErrAccountNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
	{Err: ErrTransactionNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "no debit recorded for task"},
	{Err: ErrInvalidAmount, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
	{Err: ErrMissingTaskID, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
	{Err: ErrInvariantViolation, Status: http.StatusInternalServerError, Code: "LEDGER_INVARIANT"},
}

// Handler handles HTTP requests for the token ledger.
type Handler struct {
	service ServiceInterface
}

// NewHandler creates a new ledger handler.
func NewHandler(service ServiceInterface) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers user-facing ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ledger := r.Group("/ledger")
	{
		ledger.GET("/balance", h.GetBalance)
		ledger.GET("/transactions", h.ListTransactions)
	}
}

// RegisterAdminRoutes registers administrative routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/refund", h.Refund)
	r.GET("/ledger/:user_id/audit", h.Audit)
}

// GetBalance returns the caller's balance.
//
//	@Summary		Get token balance
//	@Tags			Ledger
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200		{object}	Balance
//	@Failure		401		{object}	map[string]string	"Unauthorized"
//	@Router			/ledger/balance [get]
func (h *Handler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// ListTransactions returns the caller's ledger entries.
//
//	@Summary		List ledger transactions
//	@Tags			Ledger
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limit	query		int	false	"Maximum entries"
//	@Success		200		{object}	TransactionsResponse
//	@Failure		400		{object}	map[string]string	"Invalid limit"
//	@Router			/ledger/transactions [get]
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		response.ErrorWithCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.service.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	if entries == nil {
		entries = []*TokenTransaction{}
	}
	c.JSON(http.StatusOK, TransactionsResponse{Transactions: entries})
}

// Refund issues an idempotent compensating refund for a task.
//
//	@Summary		Refund a task
//	@Description	Credits the debit of a task back; a repeated refund for the same task writes nothing
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		RefundRequest	true	"Refund request"
//	@Success		200		{object}	RefundResult
//	@Failure		400		{object}	map[string]string	"Invalid request"
//	@Failure		404		{object}	map[string]string	"No debit for task"
//	@Router			/admin/refund [post]
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if !response.BindJSON(c, &req) {
		return
	}
	taskID, _ := uuid.Parse(req.TaskID)

	result, err := h.service.RefundTask(c.Request.Context(), taskID, req.Amount, req.Reason)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Audit checks a user's account against the transaction log.
//
//	@Summary		Audit an account
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Param			user_id	path		string	true	"User ID"
//	@Success		200		{object}	AuditReport
//	@Failure		404		{object}	map[string]string	"Account not found"
//	@Router			/admin/ledger/{user_id}/audit [get]
func (h *Handler) Audit(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}

	report, err := h.service.Audit(c.Request.Context(), userID)
	if err != nil {
		response.HandleError(c, err, errorMappings...)
		return
	}
	c.JSON(http.StatusOK, report)
}
