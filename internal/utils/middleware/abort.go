package middleware

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/uniedit/taskorch/internal/shared/errors"
)

// abort stops the chain with the API's error envelope.
func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, apperrors.ErrorResponse{
		Error: apperrors.ErrorDetail{Code: code, Message: message},
	})
}
