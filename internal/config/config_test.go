package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROFILE_CACHE_TTL", "")
	t.Setenv("OTP_RESEND_WINDOW", "")

	cfg := Load()
	assert.Equal(t, 24*time.Hour, cfg.ProfileCacheTTL)
	assert.Equal(t, time.Hour, cfg.PendingSignupTTL)
	assert.Equal(t, 180*time.Second, cfg.OTPResendWindow)
	assert.Equal(t, 15*time.Second, cfg.ProfileFetchTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROFILE_CACHE_TTL", "2h")
	t.Setenv("OTP_RESEND_WINDOW", "60")
	t.Setenv("PROFILE_FETCH_TIMEOUT", "garbage")
	t.Setenv("COOKIE_SECURE", "TRUE")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_ADDR", "r1:6379,r2:6379")
	t.Setenv("REDIS_CLUSTER", "true")

	cfg := Load()
	assert.Equal(t, 2*time.Hour, cfg.ProfileCacheTTL)
	assert.Equal(t, 60*time.Second, cfg.OTPResendWindow)
	assert.Equal(t, 15*time.Second, cfg.ProfileFetchTimeout)
	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.RedisAddrs)
	assert.True(t, cfg.RedisCluster)
}
