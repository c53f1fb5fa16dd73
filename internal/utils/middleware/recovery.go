package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 with the standard error body.
// Ledger work already committed by the handler is left as is; the reconciler
// settles any task the panic orphaned.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("recovery")

	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Error("handler panicked",
				zap.Any("panic", r),
				zap.String("route", c.FullPath()),
				zap.String("request_id", GetRequestID(c)),
				zap.Stack("stack"))
			abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}()
		c.Next()
	}
}
