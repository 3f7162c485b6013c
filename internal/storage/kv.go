// Package storage provides the key-value tiers the auth core persists into.
// Each tier fails independently of the others.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// ErrCorrupt is returned by Get when a stored value cannot be decoded.
// Callers should drop the entry.
var ErrCorrupt = errors.New("storage: corrupt value")

// KV is a minimal keyed store. A zero ttl means no expiry.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Named pairs a KV with a label used in logs and metrics.
type Named struct {
	Name string
	KV   KV
}
