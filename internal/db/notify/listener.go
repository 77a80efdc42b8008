// Package notify turns Postgres NOTIFY events on the work queue into wake-up signals.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReconnectDelay is how long Run waits before re-dialing a dropped connection.
const DefaultReconnectDelay = 5 * time.Second

// Listener holds a dedicated LISTEN connection. pgx is used directly because
// database/sql pools cannot hold a session-scoped LISTEN.
type Listener struct {
	logger         zerolog.Logger
	dsn            string
	channel        string
	reconnectDelay time.Duration
}

// NewListener creates a listener for channel on the database at dsn.
func NewListener(dsn, channel string) *Listener {
	return &Listener{
		logger:         log.With().Str("component", "notify").Str("channel", channel).Logger(),
		dsn:            dsn,
		channel:        channel,
		reconnectDelay: DefaultReconnectDelay,
	}
}

// Run listens until ctx is cancelled, sending a non-blocking signal on wake for
// every notification. Connection failures are logged and retried.
func (l *Listener) Run(ctx context.Context, wake chan<- struct{}) error {
	for {
		err := l.listen(ctx, wake)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Dur("retry_in", l.reconnectDelay).Msg("LISTEN connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, wake chan<- struct{}) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info().Msg("Listening for work ticket notifications")

	// Tickets may have been queued while we were disconnected.
	signal(wake)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.logger.Debug().Str("payload", n.Payload).Msg("Notification received")
		signal(wake)
	}
}

// signal delivers a wake-up without blocking; a pending signal already covers this one.
func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
