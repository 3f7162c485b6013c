// internal/provider/gotrue/errors.go
package gotrue

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	xerrors "authsync-service/internal/pkg/errors"
)

// APIError is a non-2xx answer from the auth server. It unwraps to the
// domain sentinel it was classified as.
type APIError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth server %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth server %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// errorBody covers both the current and the legacy error shapes
type errorBody struct {
	Code             interface{} `json:"code"`
	ErrorCode        string      `json:"error_code"`
	Msg              string      `json:"msg"`
	Message          string      `json:"message"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

func (b errorBody) code() string {
	if b.ErrorCode != "" {
		return b.ErrorCode
	}
	if s, ok := b.Code.(string); ok {
		return s
	}
	return b.Error
}

func (b errorBody) message() string {
	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription, b.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

func newAPIError(status int, body errorBody, op string) *APIError {
	e := &APIError{Status: status, Code: body.code(), Message: body.message()}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	e.kind = classify(status, e.Code, e.Message, op)
	return e
}

func classify(status int, code, msg, op string) error {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests, strings.HasPrefix(code, "over_"):
		return xerrors.ErrRateLimited
	case status >= 500:
		return xerrors.ErrTransient
	case code == "invalid_credentials", strings.Contains(lower, "invalid login credentials"):
		return xerrors.ErrInvalidCredentials
	case code == "email_not_confirmed", strings.Contains(lower, "email not confirmed"):
		return xerrors.ErrEmailNotConfirmed
	case code == "otp_expired", code == "otp_disabled":
		return xerrors.ErrInvalidOTP
	case op == opVerify && (status == http.StatusForbidden || status == http.StatusBadRequest):
		return xerrors.ErrInvalidOTP
	case code == "validation_failed", code == "weak_password", code == "email_address_invalid":
		return xerrors.ErrInvalidInput
	case status == http.StatusUnauthorized:
		return xerrors.ErrUnauthorized
	}
	return xerrors.ErrProvider
}

// refreshRejected reports a refresh token the server will never accept again
func refreshRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
}
