package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/otp"
	"authsync-service/internal/pendingsignup"
	xerrors "authsync-service/internal/pkg/errors"
	"authsync-service/internal/pkg/session"
	"authsync-service/internal/profilecache"
	"authsync-service/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUser struct {
	id        string
	password  string
	confirmed bool
	metadata  map[string]interface{}
}

type fakeProvider struct {
	mu        sync.Mutex
	listeners map[int]func(auth.AuthEvent)
	nextID    int
	session   *auth.Session
	users     map[string]*fakeUser
	codes     map[string]string

	rawErr     error
	signOutErr error
	signOuts   []string
	redirects  []string
	signIns    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		listeners: map[int]func(auth.AuthEvent){},
		users:     map[string]*fakeUser{},
		codes:     map[string]string{},
	}
}

func (p *fakeProvider) emit(ev auth.AuthEvent) {
	p.mu.Lock()
	p.session = ev.Session
	var fns []func(auth.AuthEvent)
	for i := 0; i < p.nextID; i++ {
		if fn, ok := p.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakeProvider) sessionFor(email string, u *fakeUser) *auth.Session {
	s := &auth.Session{
		ID:          "sess-" + u.id,
		AccessToken: "at-" + u.id,
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        auth.User{ID: u.id, Email: email, UserMetadata: u.metadata},
	}
	if u.confirmed {
		at := time.Now()
		s.User.EmailConfirmedAt = &at
	}
	return s
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, password string) (*auth.Session, error) {
	p.mu.Lock()
	p.signIns++
	if p.rawErr != nil {
		err := p.rawErr
		p.mu.Unlock()
		return nil, err
	}
	u, ok := p.users[email]
	p.mu.Unlock()
	if !ok || u.password != password {
		return nil, xerrors.ErrInvalidCredentials
	}
	sess := p.sessionFor(email, u)
	p.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return sess, nil
}

func (p *fakeProvider) SignUp(_ context.Context, params auth.SignUpParams) (*auth.SignUpResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := &fakeUser{
		id:       fmt.Sprintf("u%d", len(p.users)+1),
		password: params.Password,
		metadata: map[string]interface{}{"first_name": params.FirstName, "last_name": params.LastName},
	}
	p.users[params.Email] = u
	p.codes[params.Email] = "123456"
	return &auth.SignUpResult{User: auth.User{ID: u.id, Email: params.Email}}, nil
}

func (p *fakeProvider) SignOut(_ context.Context, token string) error {
	p.mu.Lock()
	p.signOuts = append(p.signOuts, token)
	err := p.signOutErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emit(auth.AuthEvent{Type: auth.EventSignedOut})
	return nil
}

func (p *fakeProvider) GetSession(context.Context) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

func (p *fakeProvider) OnAuthStateChange(fn func(auth.AuthEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *fakeProvider) VerifyOTP(_ context.Context, email, code string, purpose auth.OTPPurpose) (*auth.Session, error) {
	p.mu.Lock()
	u, ok := p.users[email]
	expected := p.codes[email]
	p.mu.Unlock()
	if purpose != auth.OTPSignup || !ok || code != expected {
		return nil, xerrors.ErrInvalidOTP
	}

	p.mu.Lock()
	u.confirmed = true
	p.mu.Unlock()
	sess := p.sessionFor(email, u)
	p.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return sess, nil
}

func (p *fakeProvider) Resend(_ context.Context, _ auth.OTPPurpose, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[email] = "654321"
	return nil
}

func (p *fakeProvider) ResetPasswordForEmail(_ context.Context, _ string, redirectTo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redirects = append(p.redirects, redirectTo)
	return nil
}

type memProfiles struct {
	mu        sync.Mutex
	rows      map[string]*auth.UserProfile
	upsertErr error
}

func (m *memProfiles) SelectProfile(_ context.Context, userID string) (*auth.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[userID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProfiles) UpsertProfile(_ context.Context, p *auth.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock     *testClock
	svc       *AuthService
	provider  *fakeProvider
	profiles  *memProfiles
	pending   *pendingsignup.Store
	durable   *storage.MemoryStore
	transient *storage.MemoryStore
	cookies   *storage.CookieStore
	sync      *session.Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cookies, err := storage.NewCookieStore("https://app.example.com", storage.CookieScope{Secure: true})
	require.NoError(t, err)

	f := &fixture{
		clock:     &testClock{now: time.Now()},
		provider:  newFakeProvider(),
		profiles:  &memProfiles{rows: map[string]*auth.UserProfile{}},
		durable:   storage.NewMemoryStore(),
		transient: storage.NewMemoryStore(),
		cookies:   cookies,
	}
	f.pending = pendingsignup.New(nil, []storage.Named{
		{Name: "durable", KV: f.durable},
		{Name: "transient", KV: f.transient},
		{Name: "cookie", KV: f.cookies},
	}, pendingsignup.WithClock(f.clock.Now))
	f.sync = session.NewSynchronizer(f.provider, f.profiles, profilecache.New(f.durable, nil),
		session.Tiers{Durable: f.durable, Transient: f.transient, Cookies: f.cookies}, nil)
	f.sync.Start(context.Background())
	t.Cleanup(f.sync.Stop)

	f.svc = NewAuthService(f.provider, f.profiles, f.sync, f.pending, session.NewRateLimiter(client), nil, nil, Options{
		Device:           "dev1",
		ResetRedirectURL: "https://app.example.com/reset-password",
	})
	f.svc.now = f.clock.Now
	return f
}

func (f *fixture) signUp(t *testing.T, email string) {
	t.Helper()
	res, err := f.svc.SignUp(context.Background(), &auth.SignUpRequest{
		Email: email, Password: "correct-horse", FirstName: " Ada ", LastName: "Lovelace",
	})
	require.NoError(t, err)
	require.True(t, res.RequiresOTP)
}

func (f *fixture) waitProfile(t *testing.T) auth.View {
	t.Helper()
	require.Eventually(t, func() bool {
		v := f.svc.View()
		return !v.IsLoading && v.Profile != nil
	}, 2*time.Second, 2*time.Millisecond)
	return f.svc.View()
}

func TestSignUpStoresPendingRecordEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	for name, kv := range map[string]storage.KV{"durable": f.durable, "transient": f.transient, "cookie": f.cookies} {
		_, err := kv.Get(ctx, pendingsignup.Key)
		assert.NoError(t, err, name)
	}
	rec, ok := f.pending.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "Ada", rec.FirstName)
	assert.Empty(t, f.profiles.rows)
}

func TestSignUpValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SignUp(context.Background(), &auth.SignUpRequest{Email: "nope", Password: "short"})
	assert.Equal(t, xerrors.KindInvalidInput, xerrors.KindOf(err))
	assert.Empty(t, f.provider.users)
}

func TestOtpChallengeCreatesProfileFromPendingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	challenge := f.svc.NewChallenge(ctx, "ada@example.com")
	st, err := challenge.Paste(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, otp.StatusSuccess, st.Status)

	v := f.waitProfile(t)
	assert.Equal(t, "ada@example.com", v.Session.User.Email)
	require.NotNil(t, v.Profile.FirstName)
	assert.Equal(t, "Ada", *v.Profile.FirstName)
	assert.Equal(t, "Lovelace", *v.Profile.LastName)
	assert.Equal(t, auth.RoleBasic, v.Profile.Level)
	assert.NotNil(t, v.Profile.EmailConfirmedAt)

	_, ok := f.pending.Get(ctx)
	assert.False(t, ok)

	_, err = challenge.Close()
	assert.ErrorIs(t, err, xerrors.ErrCloseDisabled)
}

func TestVerifyOtpFallsBackToSessionMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	f.pending.Clear(ctx)

	require.NoError(t, f.svc.VerifyOtp(ctx, "ada@example.com", "123456"))
	row, err := f.profiles.SelectProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", *row.FirstName)
	assert.Equal(t, "Lovelace", *row.LastName)
}

func TestVerifyOtpWithoutAnyNamesStillSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	f.pending.Clear(ctx)
	f.provider.users["ada@example.com"].metadata = nil

	require.NoError(t, f.svc.VerifyOtp(ctx, "ada@example.com", "123456"))
	row, err := f.profiles.SelectProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", row.Email)
	assert.Nil(t, row.FirstName)
	assert.Nil(t, row.LastName)
}

func TestVerifyOtpProfileWriteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	f.profiles.upsertErr = errors.New("datastore down")

	require.NoError(t, f.svc.VerifyOtp(ctx, "ada@example.com", "123456"))
	_, ok := f.pending.Get(ctx)
	assert.False(t, ok)
}

func TestWrongCodeFailsChallengeAsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	challenge := f.svc.NewChallenge(ctx, "ada@example.com")
	st, err := challenge.Paste(ctx, "000000")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalidOTP, xerrors.KindOf(err))
	assert.Equal(t, otp.StatusFailed, st.Status)
	assert.Equal(t, otp.ReasonInvalid, st.Reason)

	_, ok := f.pending.Get(ctx)
	assert.True(t, ok, "pending record survives a failed attempt")
}

func TestOtpAttemptsAreRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	challenge := f.svc.NewChallenge(ctx, "ada@example.com")

	for i := 0; i < 5; i++ {
		_, err := challenge.Paste(ctx, "000000")
		require.Error(t, err)
	}
	st, err := challenge.Paste(ctx, "123456")
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)
	assert.Equal(t, otp.ReasonRateLimited, st.Reason)
}

func TestSignInRequiresConfirmedEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	_, err := f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ada@example.com", Password: "correct-horse"})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrEmailNotConfirmed)
	assert.Equal(t, xerrors.KindEmailNotConfirmed, xerrors.KindOf(err))

	assert.Equal(t, []string{"at-u1"}, f.provider.signOuts)
	require.Eventually(t, func() bool {
		v := f.svc.View()
		return v.Session == nil && !v.IsLoading
	}, time.Second, time.Millisecond)
}

func TestSignInConfirmedPublishesProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	require.NoError(t, f.svc.VerifyOtp(ctx, "ada@example.com", "123456"))
	require.NoError(t, f.svc.SignOut(ctx))

	sess, err := f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.User.ID)

	v := f.waitProfile(t)
	assert.Equal(t, "u1", v.Profile.ID)
}

func TestSignInErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ghost@example.com", Password: "whatever"})
	assert.Equal(t, xerrors.KindInvalidCredential, xerrors.KindOf(err))

	f.provider.rawErr = errors.New("unexpected EOF")
	_, err = f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ghost@example.com", Password: "whatever"})
	assert.ErrorIs(t, err, xerrors.ErrProvider)
	var ae *xerrors.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "signin", ae.Op)

	_, err = f.svc.SignIn(ctx, &auth.SignInRequest{Email: "not-an-email", Password: "x"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestSignInAttemptsAreRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		_, err := f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ghost@example.com", Password: "nope"})
		assert.ErrorIs(t, err, xerrors.ErrInvalidCredentials)
	}
	_, err := f.svc.SignIn(ctx, &auth.SignInRequest{Email: "ghost@example.com", Password: "nope"})
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)
	assert.Equal(t, 5, f.provider.signIns)
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.ResetPassword(ctx, &auth.ResetPasswordRequest{Email: "ada@example.com"}))
	}
	err := f.svc.ResetPassword(ctx, &auth.ResetPasswordRequest{Email: "ada@example.com"})
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)
	assert.Equal(t, []string{
		"https://app.example.com/reset-password",
		"https://app.example.com/reset-password",
		"https://app.example.com/reset-password",
	}, f.provider.redirects)
}

func TestSignOutReportsRemoteFailureAfterClearingLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	require.NoError(t, f.svc.VerifyOtp(ctx, "ada@example.com", "123456"))
	f.waitProfile(t)

	f.provider.mu.Lock()
	f.provider.signOutErr = xerrors.ErrTransient
	f.provider.mu.Unlock()

	err := f.svc.SignOut(ctx)
	assert.Equal(t, xerrors.KindTransient, xerrors.KindOf(err))

	v := f.svc.View()
	assert.Nil(t, v.Session)
	assert.Nil(t, v.Profile)
}

func TestResendThroughChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	challenge := f.svc.NewChallenge(ctx, "ada@example.com")

	_, err := challenge.Resend(ctx)
	assert.ErrorIs(t, err, xerrors.ErrResendUnavailable)

	f.clock.Advance(otp.DefaultResendWindow + time.Second)
	_, err = challenge.Resend(ctx)
	require.NoError(t, err)

	st, err := challenge.Paste(ctx, "654321")
	require.NoError(t, err)
	assert.Equal(t, otp.StatusSuccess, st.Status)
}

func TestResendOtpHonorsCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	err := f.svc.ResendOtp(ctx, "ada@example.com")
	assert.ErrorIs(t, err, xerrors.ErrResendUnavailable)
	assert.Equal(t, xerrors.KindResendUnavailable, xerrors.KindOf(err))
	assert.Equal(t, "123456", f.provider.codes["ada@example.com"])

	f.clock.Advance(otp.DefaultResendWindow - time.Second)
	assert.ErrorIs(t, f.svc.ResendOtp(ctx, "ada@example.com"), xerrors.ErrResendUnavailable)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.svc.ResendOtp(ctx, "ada@example.com"))
	assert.Equal(t, "654321", f.provider.codes["ada@example.com"])

	// the countdown restarts from the code just sent
	assert.ErrorIs(t, f.svc.ResendOtp(ctx, "ada@example.com"), xerrors.ErrResendUnavailable)
	rec, ok := f.pending.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().UTC(), rec.CodeSentAt)
}

func TestNewChallengeResumesCountdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")

	f.clock.Advance(time.Minute)
	st := f.svc.NewChallenge(ctx, "ada@example.com").Snapshot()
	assert.False(t, st.CanResend)
	assert.Equal(t, int((otp.DefaultResendWindow - time.Minute).Seconds()), st.RemainingSeconds)

	f.clock.Advance(otp.DefaultResendWindow)
	st = f.svc.NewChallenge(ctx, "ada@example.com").Snapshot()
	assert.True(t, st.CanResend)

	// no pending record for this address: the countdown starts now
	st = f.svc.NewChallenge(ctx, "grace@example.com").Snapshot()
	assert.False(t, st.CanResend)
}

func TestResendOtpWithoutPendingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "ada@example.com")
	f.pending.Clear(ctx)

	require.NoError(t, f.svc.ResendOtp(ctx, "ada@example.com"))
	assert.Equal(t, "654321", f.provider.codes["ada@example.com"])
}
