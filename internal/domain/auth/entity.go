// internal/domain/auth/entity.go
package auth

import (
	"strings"
	"time"
)

// Role is the access level stored on a profile
type Role string

const (
	RoleBasic   Role = "basic"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a stored level onto a known Role, defaulting to basic
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePremium:
		return RolePremium
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleBasic
	}
}

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// User is the provider-side identity carried inside a Session
type User struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at,omitempty"`
	UserMetadata     map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Session is issued and owned by the remote auth provider
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// EmailConfirmed reports the in-session verification flag. It is not
// re-queried; a stale session object can lag behind another tab.
func (s *Session) EmailConfirmed() bool {
	return s != nil && s.User.EmailConfirmedAt != nil && !s.User.EmailConfirmedAt.IsZero()
}

func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// MetadataString reads a string value from the signup metadata
func (s *Session) MetadataString(key string) string {
	if s == nil || s.User.UserMetadata == nil {
		return ""
	}
	v, ok := s.User.UserMetadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// UserProfile is the application-level user record
type UserProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   *string   `json:"first_name"`
	LastName    *string   `json:"last_name"`
	CompanyName *string   `json:"company_name"`
	AvatarURL   *string   `json:"avatar_url"`
	Level       Role      `json:"level"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Derived from the session on every publish, never persisted.
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// Persistable returns a copy without derived fields
func (p *UserProfile) Persistable() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.EmailConfirmedAt = nil
	return &cp
}

// WithSessionConfirmation returns a copy carrying the session's confirmation time
func (p *UserProfile) WithSessionConfirmation(s *Session) *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.EmailConfirmedAt = nil
	if s.EmailConfirmed() {
		t := *s.User.EmailConfirmedAt
		cp.EmailConfirmedAt = &t
	}
	return &cp
}

// DisplayName joins the available name parts
func (p *UserProfile) DisplayName() string {
	if p == nil {
		return ""
	}
	var parts []string
	if p.FirstName != nil && *p.FirstName != "" {
		parts = append(parts, *p.FirstName)
	}
	if p.LastName != nil && *p.LastName != "" {
		parts = append(parts, *p.LastName)
	}
	return strings.Join(parts, " ")
}

// CacheEntry wraps a profile with its write time and lifetime
type CacheEntry struct {
	Profile   *UserProfile `json:"profile"`
	Timestamp int64        `json:"timestamp"` // unix millis
	TTL       int64        `json:"ttl"`       // millis
}

// Valid requires both an unexpired entry and a matching identity
func (e *CacheEntry) Valid(now time.Time, userID string) bool {
	if e == nil || e.Profile == nil || userID == "" {
		return false
	}
	if now.UnixMilli()-e.Timestamp >= e.TTL {
		return false
	}
	return e.Profile.ID == userID
}

// PendingSignupRecord bridges "signup submitted" and "OTP verified"
type PendingSignupRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// CodeSentAt is when the last verification code went out
	CodeSentAt time.Time `json:"code_sent_at,omitempty"`
}

func (r *PendingSignupRecord) Expired(now time.Time) bool {
	return r == nil || !now.Before(r.ExpiresAt)
}

// CodeIssuedAt anchors the resend cooldown; records written before
// CodeSentAt existed fall back to CreatedAt
func (r *PendingSignupRecord) CodeIssuedAt() time.Time {
	if r.CodeSentAt.IsZero() {
		return r.CreatedAt
	}
	return r.CodeSentAt
}

// EventType is an auth-state-change notification emitted by the provider
type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

type AuthEvent struct {
	Type    EventType `json:"type"`
	Session *Session  `json:"session,omitempty"`
}

// View is the consistent (session, profile, loading) triple published to consumers
type View struct {
	Session   *Session     `json:"session"`
	Profile   *UserProfile `json:"profile"`
	IsLoading bool         `json:"is_loading"`
}

// OTPPurpose selects which flow a one-time code belongs to
type OTPPurpose string

const (
	OTPSignup   OTPPurpose = "signup"
	OTPRecovery OTPPurpose = "recovery"
	OTPEmail    OTPPurpose = "email"
)
