package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"authsync-service/internal/pkg/jwt"
)

type AppConfig struct {
	// Server
	HTTPAddr       string
	AllowedOrigins []string
	ClientIdleTTL  time.Duration

	// Storage
	RedisAddrs   []string
	RedisCluster bool
	RedisPass    string
	RedisDB      int
	DatabaseURL  string
	AutoMigrate  bool
	// ProfileNotify refreshes signed-in devices when their profile row changes
	ProfileNotify bool

	// Auth provider
	ProviderURL     string
	ProviderAnonKey string
	ProjectRef      string
	JWT             jwt.Config

	// Cookies
	SiteURL      string
	CookieDomain string
	CookieSecure bool

	// Core timings
	ProfileCacheTTL       time.Duration
	PendingSignupTTL      time.Duration
	OTPResendWindow       time.Duration
	ProfileFetchTimeout   time.Duration
	PasswordResetRedirect string
}

// Load loads environment variables into AppConfig.
func Load() AppConfig {
	return AppConfig{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		ClientIdleTTL:  getEnvDuration("CLIENT_IDLE_TTL", 30*time.Minute),

		RedisAddrs:    getEnvSlice("REDIS_ADDR", []string{"localhost:6379"}),
		RedisCluster:  getEnvBool("REDIS_CLUSTER", false),
		RedisPass:     getEnv("REDIS_PASS", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
		ProfileNotify: getEnvBool("PROFILE_NOTIFY", true),

		ProviderURL:     getEnv("AUTH_PROVIDER_URL", "http://localhost:9999"),
		ProviderAnonKey: getEnv("AUTH_PROVIDER_ANON_KEY", ""),
		ProjectRef:      getEnv("AUTH_PROJECT_REF", "local"),
		JWT: jwt.Config{
			PubPath:  getEnv("JWT_PUBLIC_KEY_PATH", ""),
			Secret:   getEnv("JWT_SECRET", ""),
			Audience: getEnv("JWT_AUDIENCE", "authenticated"),
		},

		SiteURL:      getEnv("SITE_URL", "http://localhost:3000"),
		CookieDomain: getEnv("COOKIE_DOMAIN", ""),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),

		ProfileCacheTTL:       getEnvDuration("PROFILE_CACHE_TTL", 24*time.Hour),
		PendingSignupTTL:      getEnvDuration("PENDING_SIGNUP_TTL", time.Hour),
		OTPResendWindow:       getEnvDuration("OTP_RESEND_WINDOW", 180*time.Second),
		ProfileFetchTimeout:   getEnvDuration("PROFILE_FETCH_TIMEOUT", 15*time.Second),
		PasswordResetRedirect: getEnv("PASSWORD_RESET_REDIRECT", "http://localhost:3000/reset-password"),
	}
}

// --- Helper functions ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
