// Package gotrue talks to a GoTrue-compatible auth server and implements
// auth.Provider on top of it.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	xerrors "authsync-service/internal/pkg/errors"
	"authsync-service/internal/pkg/jwt"
	"authsync-service/internal/storage"
)

const (
	opSignIn  = "sign_in"
	opSignUp  = "sign_up"
	opSignOut = "sign_out"
	opVerify  = "verify"
	opResend  = "resend"
	opRecover = "recover"
	opRefresh = "refresh"
	opUser    = "user"
)

type Config struct {
	// BaseURL is the auth API root, e.g. https://<ref>.supabase.co/auth/v1
	BaseURL    string
	APIKey     string
	ProjectRef string
	// RefreshMargin is how long before expiry a session is renewed
	RefreshMargin time.Duration
	// RefreshInterval is the auto-refresh tick
	RefreshInterval time.Duration
	HTTPTimeout     time.Duration
}

// StorageKey is where the session is persisted, under the provider's prefix
func (c Config) StorageKey() string {
	ref := c.ProjectRef
	if ref == "" {
		ref = "local"
	}
	return "sb-" + ref + "-auth-token"
}

type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	store    storage.KV
	tokens   *jwt.Verifier
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	recorder metrics.Recorder
	now      func() time.Time

	mu      sync.Mutex
	session *auth.Session
	loaded  bool

	lmu       sync.Mutex
	listeners map[int]func(auth.AuthEvent)
	nextID    int

	// held while listeners run so events arrive in emission order
	emitMu sync.Mutex

	refreshMu   sync.Mutex
	refreshOnce sync.Once
	stopRefresh chan struct{}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithVerifier(v *jwt.Verifier) Option {
	return func(c *Client) { c.tokens = v }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds the adapter. store is the durable tier the session is
// persisted into.
func NewClient(cfg Config, store storage.KV, logger *zap.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid auth base url %q", cfg.BaseURL)
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:         cfg,
		base:        base,
		http:        &http.Client{Timeout: cfg.HTTPTimeout},
		store:       store,
		tokens:      jwt.NewVerifier(nil, nil, ""),
		logger:      logger,
		recorder:    metrics.Nop{},
		now:         time.Now,
		listeners:   make(map[int]func(auth.AuthEvent)),
		stopRefresh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gotrue:" + base.Host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// only outages count against the circuit, not rejected credentials
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, xerrors.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("auth server circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c, nil
}

// ========== LISTENERS ==========

// OnAuthStateChange registers fn for every event this client emits
func (c *Client) OnAuthStateChange(fn func(auth.AuthEvent)) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

func (c *Client) emit(eventType auth.EventType, session *auth.Session) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.lmu.Lock()
	fns := make([]func(auth.AuthEvent), 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.lmu.Unlock()

	ev := auth.AuthEvent{Type: eventType, Session: session}
	for _, fn := range fns {
		fn(ev)
	}
}

// ========== SESSION STATE ==========

// Current returns the in-memory session without touching the network
func (c *Client) Current() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(context.Background())
	return c.session
}

func (c *Client) loadLocked(ctx context.Context) {
	if c.loaded {
		return
	}
	c.loaded = true

	raw, err := c.store.Get(ctx, c.cfg.StorageKey())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("failed to read stored session", zap.Error(err))
		}
		return
	}
	var s auth.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.AccessToken == "" {
		c.logger.Warn("discarding unreadable stored session", zap.Error(err))
		_ = c.store.Delete(ctx, c.cfg.StorageKey())
		return
	}
	c.session = &s
}

func (c *Client) saveSession(ctx context.Context, s *auth.Session) {
	c.mu.Lock()
	c.session = s
	c.loaded = true
	c.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error("failed to encode session", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, c.cfg.StorageKey(), string(data), 0); err != nil {
		c.recorder.RecordStorageError("durable", "set")
		c.logger.Warn("failed to persist session", zap.Error(err))
	}
}

func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Delete(ctx, c.cfg.StorageKey()); err != nil {
		c.recorder.RecordStorageError("durable", "delete")
		c.logger.Warn("failed to delete stored session", zap.Error(err))
	}
}

// ========== TRANSPORT ==========

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body interface{}, bearer string, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, query, body, bearer, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s", xerrors.ErrTransient, err.Error())
	}
	c.recorder.RecordProviderCall(op, callOutcome(err))
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body interface{}, bearer string, out interface{}) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s: %s", xerrors.ErrTransient, op, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %s", xerrors.ErrTransient, op, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return newAPIError(resp.StatusCode, eb, op)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %s", xerrors.ErrProvider, op, err.Error())
	}
	return nil
}

func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.KindOf(err))
}
