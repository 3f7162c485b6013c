package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"authsync-service/internal/client"
	"authsync-service/internal/config"
	"authsync-service/internal/db"
	"authsync-service/internal/domain/auth"
	"authsync-service/internal/pkg/jwt"
	"authsync-service/internal/pkg/session"
	"authsync-service/internal/provider/gotrue"
	"authsync-service/internal/repository/postgres"
	"authsync-service/internal/storage"
)

// env is what every subcommand runs against
type env struct {
	device  string
	verbose bool
	timeout time.Duration

	logger   *zap.Logger
	registry *client.Registry
	client   *client.Client
	closers  []func()
	out      io.Writer
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	e := &env{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:          "authctl",
		Short:        "Drive the auth session core from a terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}

	host, _ := os.Hostname()
	rootCmd.PersistentFlags().StringVar(&e.device, "device", "cli-"+host, "device id the session is stored under")
	rootCmd.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log to stderr")
	rootCmd.PersistentFlags().DurationVar(&e.timeout, "timeout", 20*time.Second, "how long to wait for the profile to settle")

	// Add subcommands
	rootCmd.AddCommand(
		newSignUpCommand(e),
		newVerifyCommand(e),
		newSignInCommand(e),
		newWhoAmICommand(e),
		newWatchCommand(e),
		newSignOutCommand(e),
		newResetPasswordCommand(e),
		newRefreshCommand(e),
	)

	return rootCmd
}

func (e *env) open(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()

	e.logger = zap.NewNop()
	if e.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		e.logger = logger
	}

	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	e.closers = append(e.closers, pool.Close)

	rdb, err := db.NewRedis(db.RedisConfig{
		ClusterMode: cfg.RedisCluster,
		Addresses:   cfg.RedisAddrs,
		Password:    cfg.RedisPass,
		DB:          cfg.RedisDB,
		PoolSize:    2,
	})
	if err != nil {
		return err
	}
	e.closers = append(e.closers, func() { _ = rdb.Close() })

	tokens, err := jwt.LoadVerifier(cfg.JWT)
	if err != nil {
		return err
	}

	e.registry = client.NewRegistry(client.Config{
		Provider: gotrue.Config{
			BaseURL:    cfg.ProviderURL,
			APIKey:     cfg.ProviderAnonKey,
			ProjectRef: cfg.ProjectRef,
		},
		SiteURL:          cfg.SiteURL,
		Cookie:           storage.CookieScope{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure},
		ProfileCacheTTL:  cfg.ProfileCacheTTL,
		PendingTTL:       cfg.PendingSignupTTL,
		ResendWindow:     cfg.OTPResendWindow,
		FetchTimeout:     cfg.ProfileFetchTimeout,
		ResetRedirectURL: cfg.PasswordResetRedirect,
	}, client.Deps{
		Redis:    rdb,
		Profiles: postgres.NewProfileRepository(pool),
		Limiter:  session.NewRateLimiter(rdb),
		Tokens:   tokens,
		Logger:   e.logger,
	})
	e.closers = append(e.closers, e.registry.Close)

	e.client, err = e.registry.Get(ctx, e.device)
	return err
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// settled waits for a view that is no longer loading and satisfies want
func (e *env) settled(ctx context.Context, want func(auth.View) bool) (auth.View, error) {
	ch, unsubscribe := e.client.Auth.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return e.client.Auth.View(), nil
			}
			if !v.IsLoading && (want == nil || want(v)) {
				return v, nil
			}
		case <-ctx.Done():
			return e.client.Auth.View(), fmt.Errorf("profile still loading after %s", e.timeout)
		}
	}
}

func signedIn(v auth.View) bool {
	return v.Session != nil
}

func (e *env) print(v interface{}) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
