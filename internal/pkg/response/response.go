// internal/pkg/response/response.go
package response

import (
	"net/http"

	xerrors "authsync-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// CRITICAL: Abort FIRST before writing response
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
		response.Code = string(xerrors.KindOf(err))
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

// FromError picks the status from the error's kind.
func FromError(c *gin.Context, message string, err error, data ...interface{}) {
	Error(c, StatusFor(err), message, err, data...)
}

// StatusFor maps a domain error kind onto an HTTP status.
func StatusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNone:
		return http.StatusOK
	case xerrors.KindInvalidInput:
		return http.StatusBadRequest
	case xerrors.KindInvalidCredential, xerrors.KindUnauthorized:
		return http.StatusUnauthorized
	case xerrors.KindEmailNotConfirmed:
		return http.StatusForbidden
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindInvalidOTP:
		return http.StatusUnprocessableEntity
	case xerrors.KindRateLimited, xerrors.KindResendUnavailable:
		return http.StatusTooManyRequests
	case xerrors.KindTransient:
		return http.StatusServiceUnavailable
	}
	if xerrors.Is(err, xerrors.ErrProvider) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}

// NotFound sends a 404 Not Found response.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message, nil)
}
