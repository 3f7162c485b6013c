// internal/pkg/session/rate_limiter.go
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	otpMaxAttempts    = 5
	otpWindow         = 10 * time.Minute
	resetMaxAttempts  = 3
	resetWindow       = time.Hour
	signInMaxAttempts = 5
	signInWindow      = 15 * time.Minute
)

// RateLimiter counts attempts in fixed Redis windows
type RateLimiter struct {
	client redis.Cmdable
}

func NewRateLimiter(client redis.Cmdable) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckSignInAttempt allows 5 password sign-ins per 15 minutes per device and email
func (r *RateLimiter) CheckSignInAttempt(ctx context.Context, device, email string) (bool, int64, error) {
	key := fmt.Sprintf("ratelimit:signin:%s:%s", device, normalize(email))
	count, err := r.incr(ctx, key, signInWindow)
	if err != nil {
		return false, 0, err
	}

	remaining := signInMaxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= signInMaxAttempts, remaining, nil
}

// ResetSignInAttempts clears the counter after a successful sign-in
func (r *RateLimiter) ResetSignInAttempts(ctx context.Context, device, email string) error {
	key := fmt.Sprintf("ratelimit:signin:%s:%s", device, normalize(email))
	return r.client.Del(ctx, key).Err()
}

// CheckPasswordResetAttempt allows 3 password resets per hour
func (r *RateLimiter) CheckPasswordResetAttempt(ctx context.Context, email string) (bool, error) {
	count, err := r.incr(ctx, fmt.Sprintf("ratelimit:password_reset:%s", normalize(email)), resetWindow)
	if err != nil {
		return false, err
	}
	return count <= resetMaxAttempts, nil
}

// CheckOTPAttempt allows 5 OTP verifications per 10 minutes
func (r *RateLimiter) CheckOTPAttempt(ctx context.Context, email string) (bool, error) {
	count, err := r.incr(ctx, fmt.Sprintf("ratelimit:otp:%s", normalize(email)), otpWindow)
	if err != nil {
		return false, err
	}
	return count <= otpMaxAttempts, nil
}

// ResetOTPAttempts resets OTP attempts
func (r *RateLimiter) ResetOTPAttempts(ctx context.Context, email string) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:otp:%s", normalize(email))).Err()
}

// incr counts one attempt. The window is opened atomically with the first
// increment and never extended; a counter left without a TTL gets one.
func (r *RateLimiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count attempt on %s: %w", key, err)
	}
	return count.Val(), nil
}

// normalize turns an email into the key segment. Addresses never reach
// Redis in clear text.
func normalize(email string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:16])
}
