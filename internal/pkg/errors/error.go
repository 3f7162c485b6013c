package xerrors

import (
	"context"
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal server error")
	ErrRateLimited  = errors.New("too many requests")
	ErrBadRequest   = errors.New("bad request")
)

// Authentication errors surfaced to the UI layer
var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed - check your inbox")
	ErrInvalidOTP         = errors.New("invalid or expired code")
	ErrResendUnavailable  = errors.New("a new code cannot be requested yet")
	ErrChallengeBusy      = errors.New("code verification already in progress")
	ErrChallengeClosed    = errors.New("verification has been closed")
	ErrCloseDisabled      = errors.New("verification succeeded, redirect pending")
	ErrNoSession          = errors.New("no active session")
	ErrTransient          = errors.New("temporary failure, try again")
	ErrProvider           = errors.New("authentication provider error")
)

// Kind groups errors so callers can pattern-match without string checks
type Kind string

const (
	KindNone              Kind = ""
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidCredential Kind = "invalid_credentials"
	KindEmailNotConfirmed Kind = "email_not_confirmed"
	KindInvalidOTP        Kind = "invalid"
	KindRateLimited       Kind = "rate_limited"
	KindResendUnavailable Kind = "resend_unavailable"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindTransient         Kind = "transient"
	KindDefault           Kind = "default"
)

// AuthError is the domain error returned at the facade boundary
type AuthError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// New builds an AuthError; the kind is derived from err when empty
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if kind == KindNone {
		kind = KindOf(err)
	}
	return &AuthError{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error into a Kind
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ae *AuthError
	if errors.As(err, &ae) && ae.Kind != KindNone {
		return ae.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBadRequest):
		return KindInvalidInput
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredential
	case errors.Is(err, ErrEmailNotConfirmed):
		return KindEmailNotConfirmed
	case errors.Is(err, ErrInvalidOTP):
		return KindInvalidOTP
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrResendUnavailable):
		return KindResendUnavailable
	case errors.Is(err, ErrChallengeBusy), errors.Is(err, ErrChallengeClosed), errors.Is(err, ErrCloseDisabled):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNoSession):
		return KindUnauthorized
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindDefault
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
