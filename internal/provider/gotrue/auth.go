// internal/provider/gotrue/auth.go
package gotrue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	xerrors "authsync-service/internal/pkg/errors"
)

type wireUser struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at"`
	ConfirmedAt      *time.Time             `json:"confirmed_at"`
	UserMetadata     map[string]interface{} `json:"user_metadata"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (u wireUser) domain() auth.User {
	confirmed := u.EmailConfirmedAt
	if confirmed == nil {
		confirmed = u.ConfirmedAt
	}
	return auth.User{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: confirmed,
		UserMetadata:     u.UserMetadata,
		CreatedAt:        u.CreatedAt,
	}
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *wireUser `json:"user"`
}

// signUpResponse is a token response when the server auto-confirms, and a
// bare user object when confirmation is pending
type signUpResponse struct {
	tokenResponse
	wireUser
}

func (c *Client) toSession(tr *tokenResponse) (*auth.Session, error) {
	if tr.AccessToken == "" || tr.User == nil {
		return nil, fmt.Errorf("%w: token response without session", xerrors.ErrProvider)
	}

	s := &auth.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		User:         tr.User.domain(),
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	claims, err := c.tokens.Parse(tr.AccessToken)
	if err != nil {
		if c.tokens.HasKey() {
			return nil, fmt.Errorf("%w: %s", xerrors.ErrUnauthorized, err.Error())
		}
		c.logger.Debug("access token is not a readable jwt", zap.Error(err))
		return s, nil
	}
	s.ID = claims.SessionID
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = claims.Expiry()
	}
	return s, nil
}

// ========== SIGN IN / SIGN UP ==========

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	var tr tokenResponse
	err := c.do(ctx, opSignIn, http.MethodPost, "/token", url.Values{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password}, "", &tr)
	if err != nil {
		return nil, err
	}

	s, err := c.toSession(&tr)
	if err != nil {
		return nil, err
	}
	c.saveSession(ctx, s)
	c.emit(auth.EventSignedIn, s)
	return s, nil
}

func (c *Client) SignUp(ctx context.Context, params auth.SignUpParams) (*auth.SignUpResult, error) {
	body := map[string]interface{}{
		"email":    params.Email,
		"password": params.Password,
		"data": map[string]string{
			"first_name": params.FirstName,
			"last_name":  params.LastName,
		},
	}

	var resp signUpResponse
	if err := c.do(ctx, opSignUp, http.MethodPost, "/signup", nil, body, "", &resp); err != nil {
		return nil, err
	}

	if resp.AccessToken == "" {
		return &auth.SignUpResult{User: resp.wireUser.domain()}, nil
	}

	s, err := c.toSession(&resp.tokenResponse)
	if err != nil {
		return nil, err
	}
	c.saveSession(ctx, s)
	c.emit(auth.EventSignedIn, s)
	return &auth.SignUpResult{User: s.User, Session: s}, nil
}

// ========== SIGN OUT ==========

// SignOut revokes the session remotely. The local session is dropped and
// SIGNED_OUT emitted whatever the server answers.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		if s := c.Current(); s != nil {
			accessToken = s.AccessToken
		}
	}

	var remoteErr error
	if accessToken != "" {
		remoteErr = c.do(ctx, opSignOut, http.MethodPost, "/logout", nil, nil, accessToken, nil)
		var apiErr *APIError
		if errors.As(remoteErr, &apiErr) {
			switch apiErr.Status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				// already gone server side
				remoteErr = nil
			}
		}
	}

	c.clearSession(ctx)
	c.emit(auth.EventSignedOut, nil)
	return remoteErr
}

// ========== SESSION ==========

// GetSession restores the persisted session, renewing it first when it is
// about to expire. A rejected refresh token yields no session.
func (c *Client) GetSession(ctx context.Context) (*auth.Session, error) {
	c.mu.Lock()
	c.loadLocked(ctx)
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if !c.needsRefresh(s) {
		return s, nil
	}

	refreshed, err := c.refresh(ctx, s.RefreshToken)
	if err != nil {
		if refreshRejected(err) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

func (c *Client) needsRefresh(s *auth.Session) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !c.now().Add(c.cfg.RefreshMargin).Before(s.ExpiresAt)
}

// RefreshSession exchanges the refresh token for a new session and emits
// TOKEN_REFRESHED. A rejected token signs the client out.
func (c *Client) RefreshSession(ctx context.Context) (*auth.Session, error) {
	return c.refresh(ctx, "")
}

// refresh serializes renewals; a caller that queued behind another one
// gets the already renewed session instead of reusing a spent token.
func (c *Client) refresh(ctx context.Context, spent string) (*auth.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.Current()
	if current == nil || current.RefreshToken == "" {
		return nil, xerrors.ErrNoSession
	}
	if spent != "" && current.RefreshToken != spent {
		return current, nil
	}

	var tr tokenResponse
	err := c.do(ctx, opRefresh, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": current.RefreshToken}, "", &tr)
	if err != nil {
		if refreshRejected(err) {
			c.logger.Info("refresh token rejected, signing out", zap.String("user_id", current.UserID()))
			c.clearSession(ctx)
			c.emit(auth.EventSignedOut, nil)
		}
		return nil, err
	}

	s, err := c.toSession(&tr)
	if err != nil {
		return nil, err
	}
	c.saveSession(ctx, s)
	c.emit(auth.EventTokenRefreshed, s)
	return s, nil
}

// ReloadUser re-reads the user record, e.g. to pick up a confirmation done
// elsewhere, and emits USER_UPDATED.
func (c *Client) ReloadUser(ctx context.Context) (*auth.Session, error) {
	current := c.Current()
	if current == nil {
		return nil, xerrors.ErrNoSession
	}

	var u wireUser
	if err := c.do(ctx, opUser, http.MethodGet, "/user", nil, nil, current.AccessToken, &u); err != nil {
		return nil, err
	}

	updated := *current
	updated.User = u.domain()
	c.saveSession(ctx, &updated)
	c.emit(auth.EventUserUpdated, &updated)
	return &updated, nil
}

// StartAutoRefresh renews the session in the background until ctx ends or
// Close is called.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	c.refreshOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cfg.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.stopRefresh:
					return
				case <-ticker.C:
					s := c.Current()
					if !c.needsRefresh(s) {
						continue
					}
					if _, err := c.refresh(ctx, s.RefreshToken); err != nil {
						c.logger.Warn("auto refresh failed", zap.Error(err))
					}
				}
			}
		}()
	})
}

func (c *Client) Close() {
	select {
	case <-c.stopRefresh:
	default:
		close(c.stopRefresh)
	}
}

// ========== OTP / RECOVERY ==========

func (c *Client) VerifyOTP(ctx context.Context, email, code string, purpose auth.OTPPurpose) (*auth.Session, error) {
	body := map[string]string{"type": string(purpose), "email": email, "token": code}

	var tr tokenResponse
	if err := c.do(ctx, opVerify, http.MethodPost, "/verify", nil, body, "", &tr); err != nil {
		return nil, err
	}

	s, err := c.toSession(&tr)
	if err != nil {
		return nil, err
	}
	c.saveSession(ctx, s)
	if purpose == auth.OTPRecovery {
		c.emit(auth.EventPasswordRecovery, s)
	} else {
		c.emit(auth.EventSignedIn, s)
	}
	return s, nil
}

func (c *Client) Resend(ctx context.Context, purpose auth.OTPPurpose, email string) error {
	if purpose == auth.OTPRecovery {
		return c.ResetPasswordForEmail(ctx, email, "")
	}
	body := map[string]string{"type": string(purpose), "email": email}
	return c.do(ctx, opResend, http.MethodPost, "/resend", nil, body, "", nil)
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var q url.Values
	if redirectTo != "" {
		q = url.Values{"redirect_to": {redirectTo}}
	}
	return c.do(ctx, opRecover, http.MethodPost, "/recover", q, map[string]string{"email": email}, "", nil)
}

var _ auth.Provider = (*Client)(nil)
