// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"markhub/internal/core/apperror"
	"markhub/internal/infrastructure/http/v1/dto"
	"markhub/pkg/logger"
)

// Recovery middleware recovers from panics and returns 500 error.
// Logs stack trace but never exposes internal details to client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
				)

				_ = c.Error(apperror.NewInternal(fmt.Errorf("panic: %v", err)))
				// The error handler has already unwound; answer here.
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse{
					Code:    apperror.CodeInternal,
					Message: "Internal server error",
					Details: map[string]any{"request_id": c.GetString("request_id")},
				})
			}
		}()
		c.Next()
	}
}
