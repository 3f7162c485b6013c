package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	xerrors "authsync-service/internal/pkg/errors"
	"authsync-service/internal/pkg/jwt"
	"authsync-service/internal/storage"
)

type fakeServer struct {
	t       *testing.T
	tokens  *jwt.Generator
	mu      sync.Mutex
	calls   map[string]int
	handler map[string]http.HandlerFunc
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:       t,
		tokens:  jwt.NewHMACGenerator([]byte("test-secret"), "test", "authenticated", time.Hour),
		calls:   map[string]int{},
		handler: map[string]http.HandlerFunc{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if gt := r.URL.Query().Get("grant_type"); gt != "" {
			key += "?" + gt
		}
		fs.mu.Lock()
		fs.calls[key]++
		h := fs.handler[key]
		fs.mu.Unlock()

		if r.Header.Get("apikey") != "anon-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) on(key string, h http.HandlerFunc) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.handler[key] = h
}

func (fs *fakeServer) count(key string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[key]
}

func (fs *fakeServer) session(userID, sessionID, refresh string, confirmed bool) map[string]interface{} {
	access, _, err := fs.tokens.Generate(userID, sessionID, userID+"@example.com", nil)
	require.NoError(fs.t, err)
	user := map[string]interface{}{
		"id":            userID,
		"email":         userID + "@example.com",
		"created_at":    "2025-01-01T00:00:00Z",
		"user_metadata": map[string]interface{}{"first_name": "Ana", "last_name": "Lima"},
	}
	if confirmed {
		user["email_confirmed_at"] = "2025-01-01T00:05:00Z"
	}
	return map[string]interface{}{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"user":          user,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type recorder struct {
	mu     sync.Mutex
	events []auth.AuthEvent
}

func (r *recorder) add(ev auth.AuthEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []auth.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newClient(t *testing.T, baseURL string, kv storage.KV, opts ...Option) (*Client, *recorder) {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, APIKey: "anon-key", ProjectRef: "proj"}, kv, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	rec := &recorder{}
	c.OnAuthStateChange(rec.add)
	return c, rec
}

func TestSignInPersistsSession(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	fs.on("POST /token?password", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret123" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"})
			return
		}
		writeJSON(w, http.StatusOK, fs.session("u1", "s1", "r1", true))
	})

	kv := storage.NewMemoryStore()
	c, rec := newClient(t, srv.URL, kv)

	_, err := c.SignInWithPassword(ctx, "u1@example.com", "wrong")
	assert.ErrorIs(t, err, xerrors.ErrInvalidCredentials)
	assert.Equal(t, xerrors.KindInvalidCredential, xerrors.KindOf(err))

	s, err := c.SignInWithPassword(ctx, "u1@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "u1", s.UserID())
	assert.True(t, s.EmailConfirmed())
	assert.Equal(t, "Ana", s.MetadataString("first_name"))
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, rec.types())

	raw, err := kv.Get(ctx, "sb-proj-auth-token")
	require.NoError(t, err)
	assert.Contains(t, raw, `"refresh_token":"r1"`)

	// a fresh client restores the persisted session
	restored, _ := newClient(t, srv.URL, kv)
	got, err := restored.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, 0, fs.count("POST /token?refresh_token"))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   map[string]interface{}
		want   error
	}{
		{"email not confirmed", 400, map[string]interface{}{"error_code": "email_not_confirmed", "msg": "Email not confirmed"}, xerrors.ErrEmailNotConfirmed},
		{"legacy invalid grant", 400, map[string]interface{}{"error": "invalid_grant", "error_description": "Invalid login credentials"}, xerrors.ErrInvalidCredentials},
		{"too many requests", 429, map[string]interface{}{"msg": "slow down"}, xerrors.ErrRateLimited},
		{"over email limit", 400, map[string]interface{}{"error_code": "over_email_send_rate_limit"}, xerrors.ErrRateLimited},
		{"server error", 502, nil, xerrors.ErrTransient},
		{"unknown", 422, map[string]interface{}{"error_code": "something_new", "msg": "nope"}, xerrors.ErrProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs, srv := newFakeServer(t)
			fs.on("POST /token?password", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			c, rec := newClient(t, srv.URL, storage.NewMemoryStore())

			_, err := c.SignInWithPassword(context.Background(), "a@b.co", "x")
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, rec.types())
			assert.Nil(t, c.Current())
		})
	}
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	fs.on("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] != "123456" {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"error_code": "otp_expired", "msg": "Token has expired or is invalid"})
			return
		}
		assert.Equal(t, "signup", body["type"])
		writeJSON(w, http.StatusOK, fs.session("u1", "s1", "r1", true))
	})
	c, rec := newClient(t, srv.URL, storage.NewMemoryStore())

	_, err := c.VerifyOTP(ctx, "u1@example.com", "000000", auth.OTPSignup)
	assert.ErrorIs(t, err, xerrors.ErrInvalidOTP)

	s, err := c.VerifyOTP(ctx, "u1@example.com", "123456", auth.OTPSignup)
	require.NoError(t, err)
	assert.True(t, s.EmailConfirmed())
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, rec.types())
}

func TestSignUpWithoutSession(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /signup", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string            `json:"email"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ana", body.Data["first_name"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":            "u9",
			"email":         body.Email,
			"user_metadata": body.Data,
			"created_at":    "2025-01-01T00:00:00Z",
		})
	})
	c, rec := newClient(t, srv.URL, storage.NewMemoryStore())

	res, err := c.SignUp(context.Background(), auth.SignUpParams{Email: "n@example.com", Password: "secret123", FirstName: "Ana", LastName: "Lima"})
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Equal(t, "u9", res.User.ID)
	assert.Nil(t, res.User.EmailConfirmedAt)
	assert.Empty(t, rec.types())
}

func TestSignOutClearsLocallyOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	fs.on("POST /token?password", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fs.session("u1", "s1", "r1", true))
	})
	fs.on("POST /logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"msg": "boom"})
	})
	kv := storage.NewMemoryStore()
	c, rec := newClient(t, srv.URL, kv)

	s, err := c.SignInWithPassword(ctx, "u1@example.com", "pw")
	require.NoError(t, err)

	err = c.SignOut(ctx, s.AccessToken)
	assert.ErrorIs(t, err, xerrors.ErrTransient)
	assert.Nil(t, c.Current())
	_, err = kv.Get(ctx, "sb-proj-auth-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventSignedOut}, rec.types())
}

func TestSignOutTreatsMissingSessionAsDone(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer stale-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"msg": "invalid JWT"})
	})
	c, rec := newClient(t, srv.URL, storage.NewMemoryStore())

	require.NoError(t, c.SignOut(context.Background(), "stale-token"))
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, rec.types())
}

func TestGetSessionRefreshesExpiring(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	fs.on("POST /token?refresh_token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh_token"] != "r1" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token"})
			return
		}
		writeJSON(w, http.StatusOK, fs.session("u1", "s1", "r2", true))
	})

	kv := storage.NewMemoryStore()
	stale := auth.Session{ID: "s1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now().Add(10 * time.Second), User: auth.User{ID: "u1"}}
	data, _ := json.Marshal(stale)
	require.NoError(t, kv.Set(ctx, "sb-proj-auth-token", string(data), 0))

	c, rec := newClient(t, srv.URL, kv)
	s, err := c.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "r2", s.RefreshToken)
	assert.Equal(t, []auth.EventType{auth.EventTokenRefreshed}, rec.types())

	// the stored refresh token is now r2; replace it with a spent one
	stale.RefreshToken = "spent"
	data, _ = json.Marshal(stale)
	require.NoError(t, kv.Set(ctx, "sb-proj-auth-token", string(data), 0))
	c2, rec2 := newClient(t, srv.URL, kv)

	s, err = c2.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, rec2.types())
	_, err = kv.Get(ctx, "sb-proj-auth-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCorruptStoredSessionIsDropped(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeServer(t)
	kv := storage.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, "sb-proj-auth-token", "{not json", 0))

	c, _ := newClient(t, srv.URL, kv)
	s, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, 0, kv.Len())
}

func TestCircuitOpensOnOutage(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /recover", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, _ := newClient(t, srv.URL, storage.NewMemoryStore())

	for i := 0; i < 5; i++ {
		err := c.ResetPasswordForEmail(context.Background(), "a@b.co", "")
		assert.ErrorIs(t, err, xerrors.ErrTransient)
	}
	err := c.ResetPasswordForEmail(context.Background(), "a@b.co", "")
	assert.ErrorIs(t, err, xerrors.ErrTransient)
	assert.Equal(t, 5, fs.count("POST /recover"))
}

func TestRejectedCredentialsDoNotTripCircuit(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /token?password", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error_code": "invalid_credentials"})
	})
	c, _ := newClient(t, srv.URL, storage.NewMemoryStore())

	for i := 0; i < 8; i++ {
		_, err := c.SignInWithPassword(context.Background(), "a@b.co", "x")
		assert.ErrorIs(t, err, xerrors.ErrInvalidCredentials)
	}
	assert.Equal(t, 8, fs.count("POST /token?password"))
}

func TestResetPasswordSendsRedirect(t *testing.T) {
	fs, srv := newFakeServer(t)
	var redirect atomic.Value
	fs.on("POST /recover", func(w http.ResponseWriter, r *http.Request) {
		redirect.Store(r.URL.Query().Get("redirect_to"))
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newClient(t, srv.URL, storage.NewMemoryStore())

	require.NoError(t, c.ResetPasswordForEmail(context.Background(), "a@b.co", "https://app.example.com/reset"))
	assert.Equal(t, "https://app.example.com/reset", redirect.Load())
}

func TestReloadUserEmitsUpdate(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	fs.on("POST /token?password", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fs.session("u1", "s1", "r1", false))
	})
	fs.on("GET /user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "u1", "email": "u1@example.com", "email_confirmed_at": "2025-02-01T00:00:00Z"})
	})
	c, rec := newClient(t, srv.URL, storage.NewMemoryStore())

	s, err := c.SignInWithPassword(ctx, "u1@example.com", "pw")
	require.NoError(t, err)
	assert.False(t, s.EmailConfirmed())

	s, err = c.ReloadUser(ctx)
	require.NoError(t, err)
	assert.True(t, s.EmailConfirmed())
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventUserUpdated}, rec.types())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.on("POST /logout", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"}, storage.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)

	var n atomic.Int32
	unsubscribe := c.OnAuthStateChange(func(auth.AuthEvent) { n.Add(1) })
	require.NoError(t, c.SignOut(context.Background(), ""))
	unsubscribe()
	unsubscribe()
	require.NoError(t, c.SignOut(context.Background(), ""))
	assert.Equal(t, int32(1), n.Load())
}
