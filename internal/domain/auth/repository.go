// internal/domain/auth/repository.go
package auth

import "context"

// SignUpParams carries the credentials and signup metadata sent to the provider
type SignUpParams struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// SignUpResult is what the provider hands back after a signup. Session is
// nil when email confirmation is still required.
type SignUpResult struct {
	User    User
	Session *Session
}

// Provider is the remote authentication provider
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error)
	SignOut(ctx context.Context, accessToken string) error
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers fn for every auth event, delivered in
	// emission order. The returned func removes the registration.
	OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func())
	VerifyOTP(ctx context.Context, email, code string, purpose OTPPurpose) (*Session, error)
	Resend(ctx context.Context, purpose OTPPurpose, email string) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// ProfileStore is the remote profile datastore. SelectProfile returns
// xerrors.ErrNotFound when no row exists.
type ProfileStore interface {
	SelectProfile(ctx context.Context, userID string) (*UserProfile, error)
	UpsertProfile(ctx context.Context, profile *UserProfile) error
}
