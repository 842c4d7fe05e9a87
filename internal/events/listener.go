package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Channel is the NOTIFY channel the change-feed triggers publish on.
const Channel = "transferhub_events"

// Listener holds a dedicated connection in LISTEN mode and republishes
// notifications on a Hub.
type Listener struct {
	pool  *pgxpool.Pool
	hub   *Hub
	log   zerolog.Logger
	retry time.Duration
}

func NewListener(pool *pgxpool.Pool, hub *Hub, log zerolog.Logger) *Listener {
	return &Listener{
		pool:  pool,
		hub:   hub,
		log:   log.With().Str("component", "listener").Logger(),
		retry: 2 * time.Second,
	}
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Error().Err(err).Dur("retry_in", l.retry).Msg("change feed interrupted")
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, l.pool.Config().ConnConfig.Copy())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}
	l.log.Info().Str("channel", Channel).Msg("listening for changes")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		e, err := Decode(n.Payload)
		if err != nil {
			l.log.Warn().Err(err).Str("payload", n.Payload).Msg("undecodable notification")
			continue
		}
		l.hub.Publish(e)
	}
}

// Decode parses a notification payload produced by the change-feed trigger.
func Decode(payload string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}
