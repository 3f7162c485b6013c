// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"authsync-service/internal/client"
	"authsync-service/internal/config"
	"authsync-service/internal/db"
	authHandler "authsync-service/internal/handlers/auth"
	wsHandler "authsync-service/internal/handlers/websocket"
	"authsync-service/internal/metrics"
	"authsync-service/internal/middleware"
	"authsync-service/internal/pkg/jwt"
	"authsync-service/internal/pkg/session"
	"authsync-service/internal/provider/gotrue"
	"authsync-service/internal/repository/postgres"
	"authsync-service/internal/storage"
	"authsync-service/internal/websocket"
	wsHandlers "authsync-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg      config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	http     *http.Server
	registry *client.Registry
	cleanup  []func()
	cancel   context.CancelFunc
}

func NewServer(logger *zap.Logger) *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine, logger: logger}
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: s.cfg.DatabaseURL, MaxConns: 10})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.cleanup = append(s.cleanup, pool.Close)
	if s.cfg.AutoMigrate {
		if err := postgres.NewDB(pool).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	s.logger.Info("connected to PostgreSQL")

	// ----- Redis -----
	redisClient, err := db.NewRedis(db.RedisConfig{
		ClusterMode: s.cfg.RedisCluster,
		Addresses:   s.cfg.RedisAddrs,
		Password:    s.cfg.RedisPass,
		DB:          s.cfg.RedisDB,
		PoolSize:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s.cleanup = append(s.cleanup, func() { _ = redisClient.Close() })
	s.logger.Info("connected to Redis")

	// ----- Metrics -----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(reg)

	// ----- Token verifier -----
	tokens, err := jwt.LoadVerifier(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(s.logger)

	// ----- Device registry -----
	s.registry = s.newRegistry(redisClient, postgres.NewProfileRepository(pool), tokens, recorder, hub)
	hub.RegisterHandler(wsHandlers.NewOTPHandler(s.registry, s.logger))
	hub.OnConnect(func(c *websocket.Client) {
		if cl, ok := s.registry.Lookup(c.DeviceID()); ok {
			c.SendMessage(websocket.ViewMessage(cl.Auth.View()))
			if m, ok := cl.Challenge(); ok {
				c.SendMessage(websocket.OTPMessage(m.Snapshot()))
			}
		}
	})
	go hub.Run(ctx)
	go s.registry.RunReaper(ctx, time.Minute)

	// ----- Profile change feed -----
	if s.cfg.ProfileNotify {
		listener := postgres.NewProfileListener(s.cfg.DatabaseURL, s.logger)
		go func() {
			err := listener.Listen(ctx, func(profileID string) {
				n := s.registry.RefreshProfiles(ctx, profileID)
				s.logger.Debug("profile changed", zap.String("profile_id", profileID), zap.Int("clients", n))
			})
			if err != nil {
				s.logger.Error("profile listener stopped", zap.Error(err))
			}
		}()
	}

	// ----- Handlers -----
	handlers := &Handlers{
		AuthHandler:      authHandler.NewAuthHandler(s.logger),
		WSHandler:        wsHandler.NewWebSocketHandler(hub, s.cfg.AllowedOrigins, s.logger),
		DeviceMiddleware: middleware.NewDeviceMiddleware(s.registry, s.cfg.CookieDomain, s.cfg.CookieSecure, s.logger),
		Metrics:          metrics.Handler(reg),
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.LoggingMiddleware(s.logger),
		middleware.CORSMiddleware(s.cfg.AllowedOrigins),
	)

	// ----- Router -----
	SetupRouter(s.engine, s.logger, handlers)

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) newRegistry(rdb redis.Cmdable, profiles *postgres.ProfileRepository, tokens *jwt.Verifier, recorder metrics.Recorder, hub *websocket.Hub) *client.Registry {
	return client.NewRegistry(client.Config{
		Provider: gotrue.Config{
			BaseURL:    s.cfg.ProviderURL,
			APIKey:     s.cfg.ProviderAnonKey,
			ProjectRef: s.cfg.ProjectRef,
		},
		SiteURL: s.cfg.SiteURL,
		Cookie: storage.CookieScope{
			Domain: s.cfg.CookieDomain,
			Secure: s.cfg.CookieSecure,
		},
		ProfileCacheTTL:  s.cfg.ProfileCacheTTL,
		PendingTTL:       s.cfg.PendingSignupTTL,
		ResendWindow:     s.cfg.OTPResendWindow,
		FetchTimeout:     s.cfg.ProfileFetchTimeout,
		ResetRedirectURL: s.cfg.PasswordResetRedirect,
		IdleTTL:          s.cfg.ClientIdleTTL,
	}, client.Deps{
		Redis:    rdb,
		Profiles: profiles,
		Limiter:  session.NewRateLimiter(rdb),
		Tokens:   tokens,
		Recorder: recorder,
		Hub:      hub,
		Logger:   s.logger,
	})
}

// Shutdown stops HTTP, every device client and the connection pools
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	return err
}
