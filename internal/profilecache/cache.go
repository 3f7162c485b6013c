// Package profilecache keeps the last fetched profile in the durable tier so
// reloads can skip the remote lookup. It is a read optimization only.
package profilecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	"authsync-service/internal/storage"

	"go.uber.org/zap"
)

const (
	// Key is the single durable key holding the serialized entry
	Key = "authsync-profile-cache"

	DefaultTTL = 24 * time.Hour
)

type Cache struct {
	kv      storage.KV
	ttl     time.Duration
	now     func() time.Time
	metrics metrics.Recorder
	logger  *zap.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

func New(kv storage.KV, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		kv:      kv,
		ttl:     DefaultTTL,
		now:     time.Now,
		metrics: metrics.Nop{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Write stores profile stamped with the current time. A non-positive ttl
// falls back to the configured one.
func (c *Cache) Write(ctx context.Context, profile *auth.UserProfile, ttl time.Duration) error {
	if profile == nil || profile.ID == "" {
		return errors.New("profilecache: refusing to cache a profile without id")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := auth.CacheEntry{
		Profile:   profile.Persistable(),
		Timestamp: c.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// expiry is enforced on read from the stored timestamp, the tier TTL
	// only reclaims space
	if err := c.kv.Set(ctx, Key, string(data), ttl); err != nil {
		c.metrics.RecordStorageError("durable", "cache_write")
		return err
	}
	return nil
}

// Read returns the cached profile only when it is unexpired and belongs to
// expectedUserID.
func (c *Cache) Read(ctx context.Context, expectedUserID string) (*auth.UserProfile, bool) {
	raw, err := c.kv.Get(ctx, Key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.metrics.RecordStorageError("durable", "cache_read")
			c.logger.Warn("profile cache read failed", zap.Error(err))
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	var entry auth.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Profile == nil {
		c.logger.Warn("purging corrupt profile cache entry", zap.Error(err))
		c.purge(ctx)
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	if !entry.Valid(c.now(), expectedUserID) {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(true)
	return entry.Profile, true
}

// Invalidate removes the entry immediately
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.kv.Delete(ctx, Key); err != nil {
		c.metrics.RecordStorageError("durable", "cache_delete")
		return err
	}
	return nil
}

func (c *Cache) purge(ctx context.Context) {
	if err := c.kv.Delete(ctx, Key); err != nil {
		c.logger.Warn("failed to purge profile cache", zap.Error(err))
	}
}
