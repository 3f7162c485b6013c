// internal/pkg/session/types.go
package session

import (
	"context"

	"authsync-service/internal/domain/auth"
)

// command is anything the event loop consumes
type command interface{}

type eventCmd struct {
	event auth.AuthEvent
}

type refreshCmd struct {
	force bool
	reply chan error
}

type signOutCmd struct {
	// ctx carries the caller's cookie exchange for the sweep
	ctx   context.Context
	reply chan string // access token captured before clearing
}

// restoreFailedCmd settles the startup view when the stored session could
// not be read
type restoreFailedCmd struct {
	err error
}

type fetchDoneCmd struct {
	generation uint64
	sessionKey string
	userID     string
	profile    *auth.UserProfile
	err        error
}

// inflight tracks the one profile fetch the loop is waiting on
type inflight struct {
	generation uint64
	sessionKey string
	userID     string
	waiters    []chan error
}

// sessionKey tags fetches. Providers that do not expose a session id fall
// back to the user id.
func sessionKey(s *auth.Session) string {
	if s == nil {
		return ""
	}
	if s.ID != "" {
		return s.ID
	}
	return "user:" + s.User.ID
}
