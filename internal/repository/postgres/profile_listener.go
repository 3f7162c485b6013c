// internal/repository/postgres/profile_listener.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ProfileChangedChannel is the NOTIFY channel the profiles trigger writes to.
// The payload is the profile id.
const ProfileChangedChannel = "profile_changed"

// ProfileListener turns profile row updates into callbacks. It holds its own
// connection, outside the pgx pool, so it can sit in LISTEN indefinitely.
type ProfileListener struct {
	url          string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
	logger       *zap.Logger
}

func NewProfileListener(url string, logger *zap.Logger) *ProfileListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileListener{
		url:          url,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
		logger:       logger,
	}
}

// Listen blocks until ctx is done, calling onChange with the id of every
// updated profile. A reconnect may drop notifications, so onChange("") is
// called after one to let the caller resync.
func (l *ProfileListener) Listen(ctx context.Context, onChange func(profileID string)) error {
	listener := pq.NewListener(l.url, l.minReconnect, l.maxReconnect, l.event)
	defer listener.Close()

	if err := listener.Listen(ProfileChangedChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ProfileChangedChannel, err)
	}
	l.logger.Info("listening for profile changes", zap.String("channel", ProfileChangedChannel))

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-listener.Notify:
			if !ok {
				return fmt.Errorf("listener closed")
			}
			// nil after the connection was re-established
			if n == nil {
				onChange("")
				continue
			}
			onChange(n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("profile listener ping failed", zap.Error(err))
			}
		}
	}
}

func (l *ProfileListener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Debug("profile listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("profile listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		l.logger.Info("profile listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("profile listener connection attempt failed", zap.Error(err))
	}
}
