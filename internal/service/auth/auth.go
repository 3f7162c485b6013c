// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	"authsync-service/internal/otp"
	"authsync-service/internal/pendingsignup"
	xerrors "authsync-service/internal/pkg/errors"
	"authsync-service/internal/pkg/session"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Limiter guards the provider from brute force attempts
type Limiter interface {
	CheckSignInAttempt(ctx context.Context, device, email string) (bool, int64, error)
	ResetSignInAttempts(ctx context.Context, device, email string) error
	CheckOTPAttempt(ctx context.Context, email string) (bool, error)
	ResetOTPAttempts(ctx context.Context, email string) error
	CheckPasswordResetAttempt(ctx context.Context, email string) (bool, error)
}

type Options struct {
	// Device keys sign-in rate limits
	Device           string
	PendingTTL       time.Duration
	ResendWindow     time.Duration
	ResetRedirectURL string
}

// AuthService is the surface the UI talks to. It delegates to the provider
// and lets the synchronizer propagate the resulting state.
type AuthService struct {
	provider auth.Provider
	profiles auth.ProfileStore
	sync     *session.Synchronizer
	pending  *pendingsignup.Store
	limiter  Limiter
	validate *validator.Validate
	metrics  metrics.Recorder
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewAuthService(
	provider auth.Provider,
	profiles auth.ProfileStore,
	sync *session.Synchronizer,
	pending *pendingsignup.Store,
	limiter Limiter,
	recorder metrics.Recorder,
	logger *zap.Logger,
	opts Options,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = pendingsignup.DefaultTTL
	}
	if opts.ResendWindow <= 0 {
		opts.ResendWindow = otp.DefaultResendWindow
	}
	return &AuthService{
		provider: provider,
		profiles: profiles,
		sync:     sync,
		pending:  pending,
		limiter:  limiter,
		validate: validator.New(),
		metrics:  recorder,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// ========== Sign in ==========

// SignIn authenticates with email and password. An unconfirmed email is
// signed straight back out.
func (s *AuthService) SignIn(ctx context.Context, req *auth.SignInRequest) (*auth.Session, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidInput("signin", err)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.CheckSignInAttempt(ctx, s.opts.Device, req.Email)
		if err != nil {
			s.logger.Warn("sign-in rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			return nil, xerrors.New("signin", xerrors.KindRateLimited, xerrors.ErrRateLimited)
		}
	}

	sess, err := s.provider.SignInWithPassword(ctx, req.Email, req.Password)
	s.metrics.RecordProviderCall("signin", outcome(err))
	if err != nil {
		return nil, providerError("signin", err)
	}

	if !sess.EmailConfirmed() {
		s.logger.Info("sign-in with unconfirmed email, signing out", zap.String("email", req.Email))
		if err := s.sync.SignOut(ctx); err != nil {
			s.logger.Warn("sign-out after unconfirmed sign-in failed", zap.Error(err))
		}
		return nil, xerrors.New("signin", xerrors.KindEmailNotConfirmed, xerrors.ErrEmailNotConfirmed)
	}

	if s.limiter != nil {
		if err := s.limiter.ResetSignInAttempts(ctx, s.opts.Device, req.Email); err != nil {
			s.logger.Warn("failed to reset sign-in attempts", zap.Error(err))
		}
	}
	return sess, nil
}

// ========== Sign up ==========

// SignUp registers the account and stores the pending record the OTP step
// consumes. No profile row is written until the code is verified.
func (s *AuthService) SignUp(ctx context.Context, req *auth.SignUpRequest) (*auth.SignUpResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidInput("signup", err)
	}

	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)

	res, err := s.provider.SignUp(ctx, auth.SignUpParams{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: firstName,
		LastName:  lastName,
	})
	s.metrics.RecordProviderCall("signup", outcome(err))
	if err != nil {
		return nil, providerError("signup", err)
	}

	// Provider configured without email confirmation
	if res.Session != nil && res.Session.EmailConfirmed() {
		s.materializeProfile(ctx, res.Session, &auth.PendingSignupRecord{
			Email:     req.Email,
			FirstName: firstName,
			LastName:  lastName,
		})
		s.queueRefresh(ctx)
		return &auth.SignUpResponse{Email: req.Email, RequiresOTP: false}, nil
	}

	rec := s.pending.NewRecord(res.User.ID, req.Email, firstName, lastName, s.opts.PendingTTL)
	if err := s.pending.Put(ctx, rec); err != nil {
		// verification can still fall back to the signup metadata
		s.logger.Error("failed to store pending signup", zap.String("email", req.Email), zap.Error(err))
	}

	return &auth.SignUpResponse{Email: req.Email, RequiresOTP: true}, nil
}

// ========== OTP ==========

// NewChallenge starts a code entry challenge backed by this service. Its
// resend countdown starts when the pending signup's code was sent.
func (s *AuthService) NewChallenge(ctx context.Context, email string) *otp.Machine {
	opts := []otp.Option{
		otp.WithClock(func() time.Time { return s.now() }),
		otp.WithResendWindow(s.opts.ResendWindow),
		otp.WithLogger(s.logger),
		otp.WithMetrics(s.metrics),
	}
	if rec, ok := s.pending.Get(ctx); ok && strings.EqualFold(rec.Email, email) {
		opts = append(opts, otp.WithIssuedAt(rec.CodeIssuedAt()))
	}
	return otp.New(email, s, opts...)
}

// VerifyOtp confirms the signup code, creates the profile from the pending
// record and queues a forced profile refresh.
func (s *AuthService) VerifyOtp(ctx context.Context, email, code string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return invalidInput("verify_otp", err)
	}
	if err := s.validate.Var(code, "required,len=6,numeric"); err != nil {
		return invalidInput("verify_otp", err)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.CheckOTPAttempt(ctx, email)
		if err != nil {
			s.logger.Warn("otp rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			return xerrors.New("verify_otp", xerrors.KindRateLimited, xerrors.ErrRateLimited)
		}
	}

	sess, err := s.provider.VerifyOTP(ctx, email, code, auth.OTPSignup)
	s.metrics.RecordProviderCall("verify_otp", outcome(err))
	if err != nil {
		return providerError("verify_otp", err)
	}
	if sess == nil {
		return xerrors.New("verify_otp", xerrors.KindDefault, fmt.Errorf("%w: no session after verification", xerrors.ErrProvider))
	}

	rec, _ := s.pending.Get(ctx)
	s.materializeProfile(ctx, sess, rec)
	s.pending.Clear(ctx)

	if s.limiter != nil {
		if err := s.limiter.ResetOTPAttempts(ctx, email); err != nil {
			s.logger.Warn("failed to reset otp attempts", zap.Error(err))
		}
	}

	s.queueRefresh(ctx)
	return nil
}

// ResendOtp asks the provider for a fresh signup code. While a pending
// signup for email exists, a resend inside the cooldown since its last code
// is refused.
func (s *AuthService) ResendOtp(ctx context.Context, email string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return invalidInput("resend_otp", err)
	}

	rec, ok := s.pending.Get(ctx)
	if ok && !strings.EqualFold(rec.Email, email) {
		rec, ok = nil, false
	}
	if ok && s.now().Before(rec.CodeIssuedAt().Add(s.opts.ResendWindow)) {
		return xerrors.New("resend_otp", xerrors.KindResendUnavailable, xerrors.ErrResendUnavailable)
	}

	err := s.provider.Resend(ctx, auth.OTPSignup, email)
	s.metrics.RecordProviderCall("resend_otp", outcome(err))
	if err != nil {
		return providerError("resend_otp", err)
	}

	if ok {
		rec.CodeSentAt = s.now().UTC()
		if err := s.pending.Put(ctx, rec); err != nil {
			s.logger.Warn("failed to record resend time", zap.String("email", email), zap.Error(err))
		}
	}
	return nil
}

// VerifyCode lets the service drive an otp.Machine
func (s *AuthService) VerifyCode(ctx context.Context, email, code string) error {
	return s.VerifyOtp(ctx, email, code)
}

func (s *AuthService) ResendCode(ctx context.Context, email string) error {
	return s.ResendOtp(ctx, email)
}

// materializeProfile upserts the profile row for a freshly verified user.
// Names come from the pending record, then the signup metadata, else stay
// null. Failure is logged; verification already succeeded.
func (s *AuthService) materializeProfile(ctx context.Context, sess *auth.Session, rec *auth.PendingSignupRecord) {
	email := sess.User.Email
	var firstName, lastName string

	if rec != nil && (email == "" || strings.EqualFold(rec.Email, email)) {
		firstName, lastName = rec.FirstName, rec.LastName
		if email == "" {
			email = rec.Email
		}
	} else {
		if rec != nil {
			s.logger.Warn("pending signup belongs to another email, ignoring",
				zap.String("pending_email", rec.Email),
				zap.String("session_email", email))
		}
		firstName = sess.MetadataString("first_name")
		lastName = sess.MetadataString("last_name")
	}

	now := s.now().UTC()
	profile := &auth.UserProfile{
		ID:        sess.User.ID,
		Email:     email,
		FirstName: optional(firstName),
		LastName:  optional(lastName),
		Level:     auth.RoleBasic,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.profiles.UpsertProfile(ctx, profile); err != nil {
		s.logger.Error("failed to create profile after verification",
			zap.String("user_id", sess.User.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("profile created", zap.String("user_id", sess.User.ID))
}

// queueRefresh runs a forced refresh after whatever the provider just emitted
func (s *AuthService) queueRefresh(ctx context.Context) {
	if err := s.sync.RefreshProfile(ctx, true); err != nil {
		s.logger.Warn("profile refresh after signup failed", zap.Error(err))
	}
}

// ========== Password reset ==========

func (s *AuthService) ResetPassword(ctx context.Context, req *auth.ResetPasswordRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return invalidInput("reset_password", err)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.CheckPasswordResetAttempt(ctx, req.Email)
		if err != nil {
			s.logger.Warn("password reset rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			return xerrors.New("reset_password", xerrors.KindRateLimited, xerrors.ErrRateLimited)
		}
	}

	err := s.provider.ResetPasswordForEmail(ctx, req.Email, s.opts.ResetRedirectURL)
	s.metrics.RecordProviderCall("reset_password", outcome(err))
	if err != nil {
		return providerError("reset_password", err)
	}
	return nil
}

// ========== Session state ==========

// SignOut clears local state first; a failing remote call is reported but
// the user is already signed out locally.
func (s *AuthService) SignOut(ctx context.Context) error {
	err := s.sync.SignOut(ctx)
	s.metrics.RecordProviderCall("signout", outcome(err))
	if err != nil {
		return providerError("signout", err)
	}
	return nil
}

func (s *AuthService) RefreshProfile(ctx context.Context, force bool) error {
	if err := s.sync.RefreshProfile(ctx, force); err != nil {
		return xerrors.New("refresh_profile", xerrors.KindNone, err)
	}
	return nil
}

func (s *AuthService) View() auth.View {
	return s.sync.View()
}

func (s *AuthService) Subscribe() (<-chan auth.View, func()) {
	return s.sync.Subscribe()
}

// ========== Helpers ==========

// providerError turns anything the provider returns into a domain error
func providerError(op string, err error) error {
	var ae *xerrors.AuthError
	if errors.As(err, &ae) {
		return err
	}
	kind := xerrors.KindOf(err)
	if kind == xerrors.KindDefault {
		return xerrors.New(op, kind, fmt.Errorf("%w: %s", xerrors.ErrProvider, err.Error()))
	}
	return xerrors.New(op, kind, err)
}

func invalidInput(op string, err error) error {
	return xerrors.New(op, xerrors.KindInvalidInput, fmt.Errorf("%w: %s", xerrors.ErrInvalidInput, err.Error()))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.KindOf(err))
}
