// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"authsync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope. The device
// core behind the request is left running.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			deviceID, _ := GetDeviceID(c)
			logger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("device_id", deviceID),
				zap.Stack("stack"),
			)
			if !c.Writer.Written() {
				response.Error(c, http.StatusInternalServerError, "internal server error", nil)
			}
			c.Abort()
		}()
		c.Next()
	}
}
