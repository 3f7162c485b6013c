// internal/middleware/device_middleware.go
package middleware

import (
	"net/http"

	"authsync-service/internal/client"
	"authsync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DeviceCookie = "authsync_device"
	deviceMaxAge = 400 * 24 * 60 * 60 // browsers cap cookie lifetime at 400 days

	ctxDeviceID = "device_id"
	ctxClient   = "client"
)

type DeviceMiddleware struct {
	registry *client.Registry
	domain   string
	secure   bool
	logger   *zap.Logger
}

func NewDeviceMiddleware(registry *client.Registry, domain string, secure bool, logger *zap.Logger) *DeviceMiddleware {
	return &DeviceMiddleware{
		registry: registry,
		domain:   domain,
		secure:   secure,
		logger:   logger,
	}
}

// Device resolves the device cookie, issuing one when absent, and attaches
// the device's auth core to the request
func (m *DeviceMiddleware) Device() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := extractDeviceID(c)
		if deviceID == "" {
			deviceID = ulid.Make().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(DeviceCookie, deviceID, deviceMaxAge, "/", m.domain, m.secure, true)
		}

		cl, err := m.registry.Get(c.Request.Context(), deviceID)
		if err != nil {
			m.logger.Error("failed to start device client",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			response.Error(c, http.StatusInternalServerError, "failed to start session", err)
			return
		}

		// Set-Cookie cannot ride on a websocket upgrade
		var w http.ResponseWriter = c.Writer
		if websocket.IsWebSocketUpgrade(c.Request) {
			w = nil
		}
		c.Request = c.Request.WithContext(cl.BindCookies(c.Request.Context(), w, c.Request))

		// Set device context
		c.Set(ctxDeviceID, deviceID)
		c.Set(ctxClient, cl)

		c.Next()
	}
}

// RequireSession rejects requests from a device that is not signed in
func (m *DeviceMiddleware) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := GetClient(c)
		if !ok || cl.Auth.View().Session == nil {
			response.Unauthorized(c, "not signed in")
			return
		}
		c.Next()
	}
}

// extractDeviceID reads the device cookie, ignoring values we did not issue
func extractDeviceID(c *gin.Context) string {
	v, err := c.Cookie(DeviceCookie)
	if err != nil || v == "" {
		return ""
	}
	if _, err := ulid.ParseStrict(v); err != nil {
		return ""
	}
	return v
}
