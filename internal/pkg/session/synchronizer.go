// internal/pkg/session/synchronizer.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/metrics"
	"authsync-service/internal/pkg/broadcast"
	xerrors "authsync-service/internal/pkg/errors"
	"authsync-service/internal/profilecache"
	"authsync-service/internal/storage"

	"go.uber.org/zap"
)

const (
	DefaultFetchTimeout   = 15 * time.Second
	DefaultProviderPrefix = "sb-"

	storageTimeout    = 5 * time.Second
	restoreRetryDelay = 250 * time.Millisecond
)

var ErrNotStarted = errors.New("session synchronizer not started")

// Tiers are the local stores swept on sign-out
type Tiers struct {
	Durable   storage.KV
	Transient storage.KV
	Cookies   storage.KV
}

// Synchronizer owns the published (session, profile, isLoading) view. All
// mutation happens on the run loop; fetches run on their own goroutines and
// report back through the same queue.
type Synchronizer struct {
	provider auth.Provider
	profiles auth.ProfileStore
	cache    *profilecache.Cache
	tiers    Tiers

	fetchTimeout   time.Duration
	providerPrefix string
	logger         *zap.Logger
	metrics        metrics.Recorder

	cmds    chan command
	updates *broadcast.Latest[auth.View]

	mu   sync.RWMutex
	view auth.View

	// loop-owned
	generation  uint64
	pending     *inflight
	initialized bool

	startOnce   sync.Once
	stopOnce    sync.Once
	started     chan struct{}
	done        chan struct{}
	stopped     chan struct{}
	unsubscribe func()
}

type Option func(*Synchronizer)

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithProviderPrefix sets the key prefix the provider uses for its own
// storage entries and cookies
func WithProviderPrefix(prefix string) Option {
	return func(s *Synchronizer) {
		if prefix != "" {
			s.providerPrefix = prefix
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Synchronizer) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewSynchronizer(
	provider auth.Provider,
	profiles auth.ProfileStore,
	cache *profilecache.Cache,
	tiers Tiers,
	logger *zap.Logger,
	opts ...Option,
) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		provider:       provider,
		profiles:       profiles,
		cache:          cache,
		tiers:          tiers,
		fetchTimeout:   DefaultFetchTimeout,
		providerPrefix: DefaultProviderPrefix,
		logger:         logger,
		metrics:        metrics.Nop{},
		cmds:           make(chan command, 64),
		updates:        broadcast.NewLatest[auth.View](),
		view:           auth.View{IsLoading: true},
		started:        make(chan struct{}),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.updates.Publish(s.view)
	return s
}

// Start subscribes to provider events, starts the loop and queues the
// INITIAL_SESSION event from the provider's stored session.
func (s *Synchronizer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.unsubscribe = s.provider.OnAuthStateChange(func(ev auth.AuthEvent) {
			s.enqueue(eventCmd{event: ev})
		})
		go s.run()
		close(s.started)

		sess, err := s.restore(ctx)
		if err != nil {
			s.logger.Warn("failed to restore session, keeping stored state", zap.Error(err))
			s.enqueue(restoreFailedCmd{err: err})
			return
		}
		s.enqueue(eventCmd{event: auth.AuthEvent{Type: auth.EventInitialSession, Session: sess}})
	})
}

// restore reads the stored session, retrying once. A rejected refresh token
// is not an error; the provider reports it as no session.
func (s *Synchronizer) restore(ctx context.Context) (*auth.Session, error) {
	sess, err := s.provider.GetSession(ctx)
	if err == nil {
		return sess, nil
	}
	s.logger.Debug("session restore failed, retrying", zap.Error(err))

	t := time.NewTimer(restoreRetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, err
	case <-s.done:
		return nil, err
	}
	return s.provider.GetSession(ctx)
}

// Stop tears down the provider subscription and the loop. Subscriber
// channels are closed.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.done)
		select {
		case <-s.started:
			<-s.stopped
		default:
		}
		s.updates.Close()
	})
}

// View returns the currently published triple
func (s *Synchronizer) View() auth.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *Synchronizer) Subscribe() (<-chan auth.View, func()) {
	return s.updates.Subscribe()
}

// RefreshProfile re-resolves the profile for the current session after any
// queued events. With force the cache is emptied first and the datastore is
// always queried.
func (s *Synchronizer) RefreshProfile(ctx context.Context, force bool) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, refreshCmd{force: force, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotStarted
	}
}

// SignOut clears every local trace of the session first and only then calls
// the provider. A provider failure is returned but local state stays cleared.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	reply := make(chan string, 1)
	if err := s.send(ctx, signOutCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}

	var token string
	select {
	case token = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotStarted
	}

	if err := s.provider.SignOut(ctx, token); err != nil {
		s.logger.Warn("remote sign-out failed, local state already cleared", zap.Error(err))
		return fmt.Errorf("remote sign-out: %w", err)
	}
	return nil
}

func (s *Synchronizer) send(ctx context.Context, cmd command) error {
	select {
	case <-s.started:
	default:
		return ErrNotStarted
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotStarted
	}
}

// enqueue is used from provider callbacks and fetch goroutines
func (s *Synchronizer) enqueue(cmd command) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

func (s *Synchronizer) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.failWaiters(ErrNotStarted)
			return
		case cmd := <-s.cmds:
			s.dispatch(cmd)
		}
	}
}

func (s *Synchronizer) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session handler panicked", zap.Any("panic", r))
			s.failWaiters(xerrors.ErrInternal)
			s.publish(auth.View{Session: s.View().Session})
		}
	}()

	switch c := cmd.(type) {
	case eventCmd:
		s.handleEvent(c.event)
	case refreshCmd:
		s.handleRefresh(c)
	case signOutCmd:
		c.reply <- s.handleSignOut(c.ctx)
	case restoreFailedCmd:
		s.handleRestoreFailed(c.err)
	case fetchDoneCmd:
		s.handleFetchDone(c)
	default:
		s.logger.Warn("unknown session command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
}

func (s *Synchronizer) handleEvent(ev auth.AuthEvent) {
	s.metrics.RecordAuthEvent(string(ev.Type))
	s.logger.Debug("auth event", zap.String("type", string(ev.Type)), zap.String("user_id", ev.Session.UserID()))
	s.initialized = true

	if ev.Type == auth.EventSignedOut || ev.Session == nil {
		s.clearLocal()
		return
	}

	s.resolveProfile(ev.Session, false, nil)
}

func (s *Synchronizer) handleRefresh(c refreshCmd) {
	sess := s.View().Session
	if sess == nil {
		c.reply <- xerrors.ErrNoSession
		return
	}
	if c.force {
		s.invalidateCache()
	}
	s.resolveProfile(sess, c.force, c.reply)
}

// resolveProfile publishes sess together with a profile from cache when
// allowed, otherwise joins or starts a fetch. Each call publishes once.
func (s *Synchronizer) resolveProfile(sess *auth.Session, force bool, reply chan error) {
	key := sessionKey(sess)

	// the previous profile survives only for the same user
	var carried *auth.UserProfile
	if current := s.View(); current.Profile != nil && current.Profile.ID == sess.User.ID {
		carried = current.Profile.WithSessionConfirmation(sess)
	}

	if !force {
		if p, ok := s.cache.Read(context.Background(), sess.User.ID); ok {
			waiters := s.supersede()
			s.publish(auth.View{Session: sess, Profile: p.WithSessionConfirmation(sess)})
			notify(append(waiters, reply), nil)
			return
		}
		if s.pending != nil && s.pending.sessionKey == key && s.pending.userID == sess.User.ID {
			if reply != nil {
				s.pending.waiters = append(s.pending.waiters, reply)
			}
			s.publish(auth.View{Session: sess, Profile: carried, IsLoading: true})
			return
		}
	}

	waiters := s.supersede()
	if reply != nil {
		waiters = append(waiters, reply)
	}
	s.pending = &inflight{
		generation: s.generation,
		sessionKey: key,
		userID:     sess.User.ID,
		waiters:    waiters,
	}
	s.publish(auth.View{Session: sess, Profile: carried, IsLoading: true})

	go s.fetch(s.generation, key, sess.User.ID)
}

func (s *Synchronizer) fetch(generation uint64, key, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	start := time.Now()
	profile, err := s.profiles.SelectProfile(ctx, userID)
	if err == nil && (profile == nil || profile.ID != userID) {
		err = fmt.Errorf("profile store returned a profile for another user: %w", xerrors.ErrInternal)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	s.metrics.RecordProfileFetch(fetchOutcome(err), time.Since(start))

	s.enqueue(fetchDoneCmd{
		generation: generation,
		sessionKey: key,
		userID:     userID,
		profile:    profile,
		err:        err,
	})
}

func (s *Synchronizer) handleFetchDone(c fetchDoneCmd) {
	current := s.View()
	if s.pending == nil || s.pending.generation != c.generation || sessionKey(current.Session) != c.sessionKey {
		s.metrics.RecordStaleDiscard()
		s.logger.Debug("discarding stale profile fetch",
			zap.String("user_id", c.userID),
			zap.Uint64("generation", c.generation))
		return
	}

	waiters := s.pending.waiters
	s.pending = nil
	sess := current.Session

	if c.err != nil {
		// nothing is cached so a later refresh queries the datastore again
		if errors.Is(c.err, xerrors.ErrNotFound) {
			s.logger.Info("no profile row for user", zap.String("user_id", c.userID))
		} else {
			s.logger.Warn("profile fetch failed", zap.String("user_id", c.userID), zap.Error(c.err))
		}
		s.publish(auth.View{Session: sess})
		notify(waiters, c.err)
		return
	}

	if err := s.cache.Write(context.Background(), c.profile, 0); err != nil {
		s.logger.Warn("failed to cache profile", zap.String("user_id", c.userID), zap.Error(err))
	}
	s.publish(auth.View{Session: sess, Profile: c.profile.WithSessionConfirmation(sess)})
	notify(waiters, nil)
}

// handleRestoreFailed stops the loading state without a session. The cache
// and stored provider keys stay; a later event or restart can still use them.
func (s *Synchronizer) handleRestoreFailed(err error) {
	if s.initialized {
		return
	}
	s.initialized = true
	s.logger.Debug("startup view settled without session", zap.Error(err))
	s.publish(auth.View{})
}

// handleSignOut clears local state and returns the token the remote call needs
func (s *Synchronizer) handleSignOut(parent context.Context) string {
	var token string
	if sess := s.View().Session; sess != nil {
		token = sess.AccessToken
	}
	s.clearLocal()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), storageTimeout)
	defer cancel()
	for name, kv := range map[string]storage.KV{
		"durable":   s.tiers.Durable,
		"transient": s.tiers.Transient,
		"cookie":    s.tiers.Cookies,
	} {
		if kv == nil {
			continue
		}
		if err := kv.DeletePrefix(ctx, s.providerPrefix); err != nil {
			s.metrics.RecordStorageError(name, "signout_sweep")
			s.logger.Warn("failed to clear provider keys", zap.String("tier", name), zap.Error(err))
		}
	}
	return token
}

func (s *Synchronizer) clearLocal() {
	notify(s.supersede(), xerrors.ErrNoSession)
	s.invalidateCache()
	s.publish(auth.View{})
}

func (s *Synchronizer) invalidateCache() {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate profile cache", zap.Error(err))
	}
}

// supersede bumps the generation so any in-flight fetch is discarded, and
// hands back whoever was waiting on it.
func (s *Synchronizer) supersede() []chan error {
	s.generation++
	if s.pending == nil {
		return nil
	}
	waiters := s.pending.waiters
	s.pending = nil
	return waiters
}

func (s *Synchronizer) failWaiters(err error) {
	notify(s.supersede(), err)
}

func (s *Synchronizer) publish(v auth.View) {
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	s.updates.Publish(v)
}

func notify(waiters []chan error, err error) {
	for _, w := range waiters {
		if w != nil {
			w <- err
		}
	}
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, xerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
