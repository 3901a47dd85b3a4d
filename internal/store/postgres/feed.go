package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Notification channels written by the triggers in migrations/001_init.sql.
const (
	ChannelActions   = "action_changes"
	ChannelPositions = "position_changes"
)

const feedBuffer = 64

// Feed implements domain.ChangeFeed on LISTEN/NOTIFY. Each subscription holds
// one pooled connection and reconnects with backoff if it drops.
type Feed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewFeed creates a Feed on the given pool.
func NewFeed(pool *pgxpool.Pool, logger *slog.Logger) *Feed {
	return &Feed{pool: pool, logger: logger.With(slog.String("component", "pg_feed"))}
}

// SubscribeActions streams action rows owned by userID (all users when empty).
func (f *Feed) SubscribeActions(ctx context.Context, userID string) (<-chan domain.Action, error) {
	out := make(chan domain.Action, feedBuffer)
	err := f.listen(ctx, ChannelActions, func(payload string) {
		a, err := domain.DecodeAction([]byte(payload))
		if err != nil {
			f.logger.Warn("malformed action notification", slog.String("error", err.Error()))
			return
		}
		if userID != "" && a.UserID != userID {
			return
		}
		select {
		case out <- a:
		case <-ctx.Done():
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubscribePositions streams position rows owned by userID (all users when empty).
func (f *Feed) SubscribePositions(ctx context.Context, userID string) (<-chan domain.Position, error) {
	out := make(chan domain.Position, feedBuffer)
	err := f.listen(ctx, ChannelPositions, func(payload string) {
		p, err := domain.DecodePosition([]byte(payload))
		if err != nil {
			f.logger.Warn("malformed position notification", slog.String("error", err.Error()))
			return
		}
		if userID != "" && p.UserID != userID {
			return
		}
		select {
		case out <- p:
		case <-ctx.Done():
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// listen issues LISTEN on a dedicated connection and hands every payload to
// deliver until ctx is done, then calls done. The first LISTEN is synchronous
// so configuration errors surface to the caller.
func (f *Feed) listen(ctx context.Context, channel string, deliver func(string), done func()) error {
	conn, err := f.acquireListener(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		defer done()
		b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
		for {
			err := f.wait(ctx, conn, deliver)
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("change feed connection lost",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.Duration()):
				}
				conn, err = f.acquireListener(ctx, channel)
				if err == nil {
					b.Reset()
					f.logger.Info("change feed reconnected", slog.String("channel", channel))
					break
				}
				f.logger.Warn("change feed reconnect failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return nil
}

func (f *Feed) acquireListener(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen %s: %w", channel, err)
	}
	return conn, nil
}

func (f *Feed) wait(ctx context.Context, conn *pgxpool.Conn, deliver func(string)) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The connection is mid-wait; drop it rather than return it
				// to the pool still listening.
				_ = conn.Conn().Close(context.Background())
			}
			return err
		}
		deliver(n.Payload)
	}
}

var _ domain.ChangeFeed = (*Feed)(nil)
