// internal/middleware/helpers.go
package middleware

import (
	"authsync-service/internal/client"

	"github.com/gin-gonic/gin"
)

// GetDeviceID gets the device id from context
func GetDeviceID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ctxDeviceID)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// GetClient gets the device's auth core from context
func GetClient(c *gin.Context) (*client.Client, bool) {
	v, exists := c.Get(ctxClient)
	if !exists {
		return nil, false
	}
	cl, ok := v.(*client.Client)
	return cl, ok
}

// MustGetClient gets the device client from context or panics
func MustGetClient(c *gin.Context) *client.Client {
	cl, exists := GetClient(c)
	if !exists {
		panic("client not found in context")
	}
	return cl
}
