// internal/handlers/websocket/websocket.go
package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authsync-service/internal/middleware"
	"authsync-service/internal/pkg/response"
	ws "authsync-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				// same-origin requests are always fine
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		logger: logger,
	}
}

// HandleConnection upgrades a device's request to a socket that streams
// its auth view and OTP state
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	deviceID, ok := middleware.GetDeviceID(c)
	if !ok {
		response.Unauthorized(c, "missing device")
		return
	}

	// Upgrade to WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	client := ws.NewClient(context.WithoutCancel(c.Request.Context()), h.hub, conn, deviceID)

	// Register client with hub
	h.hub.Register <- client

	h.logger.Info("WebSocket client connected",
		zap.String("device_id", deviceID),
		zap.String("ip", c.ClientIP()),
	)

	// Start client goroutines
	go client.WritePump()
	go client.ReadPump()
}

// GetStats returns WebSocket connection statistics
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"total_connections": h.hub.TotalClients(),
		"timestamp":         time.Now(),
	}

	response.Success(c, http.StatusOK, "WebSocket stats", stats)
}
