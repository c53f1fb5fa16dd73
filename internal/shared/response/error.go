package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/uniedit/taskorch/internal/shared/errors"
)

// ErrorMapping maps domain errors to HTTP status codes.
type ErrorMapping struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// ErrorWithCode sends an error response with an error code.
func ErrorWithCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, apperrors.ErrorResponse{
		Error: apperrors.ErrorDetail{Code: code, Message: message},
	})
}

// BadRequest sends a 400 validation response.
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// HandleError writes err using the first matching mapping, falling back to
// the AppError carried by err, then to a 500.
func HandleError(c *gin.Context, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			msg := m.Message
			if msg == "" {
				msg = m.Err.Error()
			}
			ErrorWithCode(c, m.Status, m.Code, msg)
			return
		}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	status := apperrors.GetStatusCode(err)
	if status == http.StatusInternalServerError {
		ErrorWithCode(c, status, "INTERNAL_ERROR", "internal error")
		return
	}
	ErrorWithCode(c, status, apperrors.GetCode(err), err.Error())
}
