// internal/client/client.go
package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"authsync-service/internal/otp"
	"authsync-service/internal/pendingsignup"
	"authsync-service/internal/pkg/session"
	"authsync-service/internal/provider/gotrue"
	authsvc "authsync-service/internal/service/auth"
	"authsync-service/internal/storage"
)

// Client is the auth core of a single device
type Client struct {
	DeviceID string
	Auth     *authsvc.AuthService
	Provider *gotrue.Client
	Sync     *session.Synchronizer
	Tiers    session.Tiers
	Pending  *pendingsignup.Store
	// Cookies is Tiers.Cookies; requests bind it to the browser
	Cookies *storage.CookieStore

	hub    Broadcaster
	logger *zap.Logger
	cancel context.CancelFunc
	seen   atomic.Int64

	mu            sync.Mutex
	challenge     *otp.Machine
	stopChallenge func()
	stopViews     func()
	stopOnce      sync.Once
}

func (c *Client) touch(now time.Time) {
	c.seen.Store(now.UnixNano())
}

func (c *Client) lastSeen() time.Time {
	return time.Unix(0, c.seen.Load())
}

// BindCookies makes the cookie tier read and write the browser's cookies
// for the lifetime of ctx. A nil w binds read-only.
func (c *Client) BindCookies(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	return storage.WithExchange(ctx, c.Cookies.Bind(w, r))
}

// BeginChallenge replaces any running OTP challenge with a new one for email
func (c *Client) BeginChallenge(ctx context.Context, email string) *otp.Machine {
	m := c.Auth.NewChallenge(ctx, email)
	ch, unsubscribe := m.Subscribe()

	c.mu.Lock()
	prev := c.stopChallenge
	c.challenge = m
	c.stopChallenge = unsubscribe
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	if c.hub != nil {
		go func() {
			for st := range ch {
				c.hub.BroadcastOTPState(c.DeviceID, st)
			}
		}()
	}
	return m
}

// Challenge returns the current OTP challenge, if any
func (c *Client) Challenge() (*otp.Machine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge, c.challenge != nil
}

// EndChallenge drops the challenge once it is closed or done
func (c *Client) EndChallenge() {
	c.mu.Lock()
	stop := c.stopChallenge
	c.challenge = nil
	c.stopChallenge = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (c *Client) forwardViews() {
	if c.hub == nil {
		return
	}
	ch, unsubscribe := c.Sync.Subscribe()
	c.mu.Lock()
	c.stopViews = unsubscribe
	c.mu.Unlock()

	go func() {
		for v := range ch {
			c.hub.BroadcastView(c.DeviceID, v)
		}
	}()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.EndChallenge()
		c.mu.Lock()
		stopViews := c.stopViews
		c.mu.Unlock()
		if stopViews != nil {
			stopViews()
		}
		c.cancel()
		c.Provider.Close()
		c.Sync.Stop()
		c.logger.Debug("client stopped")
	})
}
