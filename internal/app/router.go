// internal/app/router.go
package app

import (
	"net/http"

	authHandler "authsync-service/internal/handlers/auth"
	wsHandler "authsync-service/internal/handlers/websocket"
	"authsync-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	AuthHandler      *authHandler.AuthHandler
	WSHandler        *wsHandler.WebSocketHandler
	DeviceMiddleware *middleware.DeviceMiddleware
	Metrics          http.Handler
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Metrics ====================
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	// ==================== WebSocket ====================
	r.GET("/ws", h.DeviceMiddleware.Device(), h.WSHandler.HandleConnection)
	api.GET("/ws/stats", h.WSHandler.GetStats)

	// ==================== Auth Routes ====================
	authRoutes := api.Group("/auth")
	authRoutes.Use(h.DeviceMiddleware.Device())
	{
		authRoutes.POST("/signin", h.AuthHandler.SignIn)
		authRoutes.POST("/signup", h.AuthHandler.SignUp)
		authRoutes.POST("/password/reset", h.AuthHandler.ResetPassword)
		authRoutes.POST("/signout", h.AuthHandler.SignOut)
		authRoutes.GET("/me", h.AuthHandler.Me)

		authRoutes.GET("/otp", h.AuthHandler.GetOTP)
		authRoutes.POST("/otp/digit", h.AuthHandler.OTPDigit)
		authRoutes.POST("/otp/backspace", h.AuthHandler.OTPBackspace)
		authRoutes.POST("/otp/paste", h.AuthHandler.OTPPaste)
		authRoutes.POST("/otp/resend", h.AuthHandler.OTPResend)
		authRoutes.POST("/otp/close", h.AuthHandler.OTPClose)
	}

	// ==================== Signed-in Routes ====================
	signedIn := api.Group("/auth")
	signedIn.Use(h.DeviceMiddleware.Device(), h.DeviceMiddleware.RequireSession())
	{
		signedIn.POST("/profile/refresh", h.AuthHandler.RefreshProfile)
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
