// Package client keeps one auth core per browser device: its storage
// tiers, provider adapter, synchronizer, facade and OTP challenge.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	"authsync-service/internal/otp"
	"authsync-service/internal/pendingsignup"
	"authsync-service/internal/pkg/jwt"
	"authsync-service/internal/pkg/session"
	"authsync-service/internal/profilecache"
	"authsync-service/internal/provider/gotrue"
	authsvc "authsync-service/internal/service/auth"
	"authsync-service/internal/storage"
)

// Broadcaster receives every state change of a device
type Broadcaster interface {
	BroadcastView(deviceID string, view auth.View)
	BroadcastOTPState(deviceID string, state otp.State)
	DisconnectDevice(deviceID string, reason string)
}

type Config struct {
	Provider         gotrue.Config
	SiteURL          string
	Cookie           storage.CookieScope
	ProfileCacheTTL  time.Duration
	PendingTTL       time.Duration
	ResendWindow     time.Duration
	FetchTimeout     time.Duration
	ResetRedirectURL string
	IdleTTL          time.Duration
}

type Deps struct {
	Redis    redis.Cmdable
	Profiles auth.ProfileStore
	Limiter  authsvc.Limiter
	Tokens   *jwt.Verifier
	Recorder metrics.Recorder
	Hub      Broadcaster
	Logger   *zap.Logger
	// HTTPClient overrides the provider transport, mainly for tests
	HTTPClient *http.Client
}

type Registry struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop{}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		clients: make(map[string]*Client),
	}
}

// Get returns the device's client, building and starting it on first use
func (r *Registry) Get(ctx context.Context, deviceID string) (*Client, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("empty device id")
	}

	if c, ok := r.Lookup(deviceID); ok {
		c.touch(r.now())
		return c, nil
	}

	// built outside the lock: starting a client may hit the network
	built, err := r.build(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if c, ok := r.clients[deviceID]; ok {
		r.mu.Unlock()
		built.stop()
		c.touch(r.now())
		return c, nil
	}
	r.clients[deviceID] = built
	r.deps.Recorder.SetActiveClients(len(r.clients))
	r.mu.Unlock()
	return built, nil
}

// Lookup returns an existing client without creating one
func (r *Registry) Lookup(deviceID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[deviceID]
	return c, ok
}

// Challenge returns the device's active OTP challenge
func (r *Registry) Challenge(deviceID string) (*otp.Machine, bool) {
	c, ok := r.Lookup(deviceID)
	if !ok {
		return nil, false
	}
	return c.Challenge()
}

// Len is the number of live clients
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// RefreshProfiles forces a profile re-read on every client signed in as
// userID, or on every signed-in client when userID is empty. It returns the
// number of clients asked to refresh.
func (r *Registry) RefreshProfiles(ctx context.Context, userID string) int {
	r.mu.Lock()
	var targets []*Client
	for _, c := range r.clients {
		sess := c.Auth.View().Session
		if sess == nil {
			continue
		}
		if userID == "" || sess.User.ID == userID {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	timeout := r.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for _, c := range targets {
		go func(c *Client) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			if err := c.Auth.RefreshProfile(ctx, true); err != nil {
				c.logger.Warn("profile refresh after change failed", zap.Error(err))
			}
		}(c)
	}
	return len(targets)
}

func (r *Registry) build(ctx context.Context, deviceID string) (*Client, error) {
	logger := r.deps.Logger.With(zap.String("device_id", deviceID))

	cookies, err := storage.NewCookieStore(r.cfg.SiteURL, r.cfg.Cookie)
	if err != nil {
		return nil, fmt.Errorf("cookie tier: %w", err)
	}
	tiers := session.Tiers{
		Durable:   storage.NewRedisStore(r.deps.Redis, "authsync:"+deviceID),
		Transient: storage.NewMemoryStore(),
		Cookies:   cookies,
	}

	providerOpts := []gotrue.Option{gotrue.WithMetrics(r.deps.Recorder)}
	if r.deps.Tokens != nil {
		providerOpts = append(providerOpts, gotrue.WithVerifier(r.deps.Tokens))
	}
	if r.deps.HTTPClient != nil {
		providerOpts = append(providerOpts, gotrue.WithHTTPClient(r.deps.HTTPClient))
	}
	provider, err := gotrue.NewClient(r.cfg.Provider, tiers.Durable, logger, providerOpts...)
	if err != nil {
		return nil, err
	}

	cache := profilecache.New(tiers.Durable, logger,
		profilecache.WithTTL(r.cfg.ProfileCacheTTL),
		profilecache.WithMetrics(r.deps.Recorder))

	pending := pendingsignup.New(logger, []storage.Named{
		{Name: "durable", KV: tiers.Durable},
		{Name: "transient", KV: tiers.Transient},
		{Name: "cookie", KV: tiers.Cookies},
	}, pendingsignup.WithMetrics(r.deps.Recorder))

	syncer := session.NewSynchronizer(provider, r.deps.Profiles, cache, tiers, logger,
		session.WithFetchTimeout(r.cfg.FetchTimeout),
		session.WithMetrics(r.deps.Recorder))

	service := authsvc.NewAuthService(provider, r.deps.Profiles, syncer, pending, r.deps.Limiter, r.deps.Recorder, logger, authsvc.Options{
		Device:           deviceID,
		PendingTTL:       r.cfg.PendingTTL,
		ResendWindow:     r.cfg.ResendWindow,
		ResetRedirectURL: r.cfg.ResetRedirectURL,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		DeviceID: deviceID,
		Auth:     service,
		Provider: provider,
		Sync:     syncer,
		Tiers:    tiers,
		Pending:  pending,
		Cookies:  cookies,
		hub:      r.deps.Hub,
		logger:   logger,
		cancel:   cancel,
	}
	c.touch(r.now())

	syncer.Start(ctx)
	provider.StartAutoRefresh(runCtx)
	c.forwardViews()
	return c, nil
}

// Reap stops clients idle for longer than the configured TTL
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	var idle []*Client
	for id, c := range r.clients {
		if c.lastSeen().Before(cutoff) {
			idle = append(idle, c)
			delete(r.clients, id)
		}
	}
	r.deps.Recorder.SetActiveClients(len(r.clients))
	r.mu.Unlock()

	for _, c := range idle {
		c.stop()
		// open sockets reconnect and rebuild the client
		if r.deps.Hub != nil {
			r.deps.Hub.DisconnectDevice(c.DeviceID, "idle")
		}
		r.deps.Logger.Info("reaped idle client", zap.String("device_id", c.DeviceID))
	}
	return len(idle)
}

// RunReaper reaps on every tick until ctx ends
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Close stops every client
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	r.deps.Recorder.SetActiveClients(0)
}
