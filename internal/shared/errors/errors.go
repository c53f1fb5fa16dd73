// Package errors defines the error taxonomy surfaced by the HTTP API. Each
// sentinel has one status code and one machine-readable code; handlers wrap
// the sentinel and the response layer resolves it with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels, one per client-visible failure class.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("resource conflict")
	ErrInternal            = errors.New("internal error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrProviderRejected    = errors.New("provider rejected task")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTaskFailed          = errors.New("task failed")
	ErrLedgerInvariant     = errors.New("ledger invariant violation")
)

type kind struct {
	err    error
	status int
	code   string
}

// taxonomy is matched in order; the first sentinel err wraps wins.
var taxonomy = []kind{
	{ErrInsufficientBalance, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
	{ErrProviderRejected, http.StatusUnprocessableEntity, "PROVIDER_REJECTED"},
	{ErrProviderUnavailable, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
	{ErrTaskFailed, http.StatusBadGateway, "TASK_FAILED"},
	{ErrLedgerInvariant, http.StatusInternalServerError, "LEDGER_INVARIANT"},
	{ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{ErrBadRequest, http.StatusBadRequest, "VALIDATION_ERROR"},
	{ErrConflict, http.StatusConflict, "CONFLICT"},
}

// AppError carries the response shape for an error alongside its cause.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToResponse converts an AppError to ErrorResponse.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: e.Code, Message: e.Message}}
}

// New builds an AppError of the class identified by sentinel. cause, when
// non-nil, is kept for errors.Is and logging but never shown to clients.
func New(sentinel error, message string, cause error) *AppError {
	k := lookup(sentinel)
	if message == "" {
		message = sentinel.Error()
	}
	return &AppError{
		Code:       k.code,
		Message:    message,
		StatusCode: k.status,
		Err:        errors.Join(sentinel, cause),
	}
}

// InsufficientBalance reports a debit larger than the available balance.
func InsufficientBalance(message string) *AppError {
	if message == "" {
		message = "insufficient token balance"
	}
	return New(ErrInsufficientBalance, message, nil)
}

// ProviderRejected reports work the provider refused.
func ProviderRejected(message string, err error) *AppError {
	return New(ErrProviderRejected, message, err)
}

// ProviderUnavailable reports a provider that could not be reached.
func ProviderUnavailable(message string, err error) *AppError {
	return New(ErrProviderUnavailable, message, err)
}

// TaskFailed reports a task the provider marked as failed.
func TaskFailed(message string) *AppError {
	return New(ErrTaskFailed, message, nil)
}

// LedgerInvariant reports a broken ledger invariant.
func LedgerInvariant(message string, err error) *AppError {
	return New(ErrLedgerInvariant, message, err)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetStatusCode returns the HTTP status for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return match(err).status
}

// GetCode returns the machine-readable code for err.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return match(err).code
}

var internalKind = kind{ErrInternal, http.StatusInternalServerError, "INTERNAL_ERROR"}

func match(err error) kind {
	for _, k := range taxonomy {
		if errors.Is(err, k.err) {
			return k
		}
	}
	return internalKind
}

func lookup(sentinel error) kind {
	for _, k := range taxonomy {
		if k.err == sentinel {
			return k
		}
	}
	return internalKind
}
