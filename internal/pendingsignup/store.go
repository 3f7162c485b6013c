// Package pendingsignup bridges signup submission and OTP verification by
// writing the same record to several storage tiers.
package pendingsignup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	"authsync-service/internal/storage"

	"go.uber.org/zap"
)

const (
	Key        = "authsync-pending-signup"
	DefaultTTL = time.Hour
)

// Store fans writes out to every backing and reads them in priority order.
type Store struct {
	backings []storage.Named
	now      func() time.Time
	metrics  metrics.Recorder
	logger   *zap.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New takes the backings in read priority order: durable, transient, cookie.
func New(logger *zap.Logger, backings []storage.Named, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backings: backings,
		now:      time.Now,
		metrics:  metrics.Nop{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRecord builds a record expiring ttl from now
func (s *Store) NewRecord(id, email, firstName, lastName string, ttl time.Duration) *auth.PendingSignupRecord {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()
	return &auth.PendingSignupRecord{
		ID:         id,
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		CodeSentAt: now,
	}
}

// Put writes rec to all backings. It only fails when no backing took it.
func (s *Store) Put(ctx context.Context, rec *auth.PendingSignupRecord) error {
	if rec == nil {
		return errors.New("pendingsignup: nil record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pending signup: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("pendingsignup: record already expired")
	}

	var errs []error
	for _, b := range s.backings {
		if err := b.KV.Set(ctx, Key, string(data), ttl); err != nil {
			s.metrics.RecordStorageError(b.Name, "pending_put")
			s.logger.Warn("pending signup write failed",
				zap.String("backing", b.Name),
				zap.String("email", rec.Email),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	if len(s.backings) > 0 && len(errs) == len(s.backings) {
		return fmt.Errorf("pending signup not stored: %w", errors.Join(errs...))
	}
	return nil
}

// Get returns the first parseable, unexpired record. Unreadable backings are
// skipped and corrupt entries purged.
func (s *Store) Get(ctx context.Context) (*auth.PendingSignupRecord, bool) {
	now := s.now()
	for _, b := range s.backings {
		raw, err := b.KV.Get(ctx, Key)
		if errors.Is(err, storage.ErrCorrupt) {
			s.purge(ctx, b, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.metrics.RecordStorageError(b.Name, "pending_get")
				s.logger.Warn("pending signup read failed", zap.String("backing", b.Name), zap.Error(err))
			}
			continue
		}

		var rec auth.PendingSignupRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Email == "" {
			s.purge(ctx, b, err)
			continue
		}
		if rec.Expired(now) {
			continue
		}
		return &rec, true
	}
	return nil, false
}

func (s *Store) purge(ctx context.Context, b storage.Named, cause error) {
	s.logger.Warn("purging corrupt pending signup", zap.String("backing", b.Name), zap.Error(cause))
	if err := b.KV.Delete(ctx, Key); err != nil {
		s.logger.Warn("failed to purge pending signup", zap.String("backing", b.Name), zap.Error(err))
	}
}

// Clear deletes the record from every backing, ignoring failures
func (s *Store) Clear(ctx context.Context) {
	for _, b := range s.backings {
		if err := b.KV.Delete(ctx, Key); err != nil {
			s.metrics.RecordStorageError(b.Name, "pending_clear")
			s.logger.Warn("pending signup clear failed", zap.String("backing", b.Name), zap.Error(err))
		}
	}
}
